package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/wfnet/wfnet/http/api"
	"github.com/wfnet/wfnet/logkeys"
	"github.com/wfnet/wfnet/netmodel"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

type SpecRegistry interface {
	RegisterSpecification(ctx context.Context, net *netmodel.Net) error
	Specification(ctx context.Context, specID string) (*netmodel.Net, error)
	SpecificationIDs(ctx context.Context) []string
}

// PutSpecHandler creates a HandlerFunc that registers a net specification
// under the URL-named ID. The body may be YAML or JSON; it must decode,
// validate, and carry the same ID as the URL.
func PutSpecHandler(registry SpecRegistry, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		specID := flow.Param(r.Context(), "id")
		logger = logger.With(logkeys.SpecID, specID)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			logger.Info(logkeys.Message, "reading body", logkeys.Error, err)
			api.JSONError(w, ErrMalformedBody, http.StatusBadRequest)
			return
		}
		net, err := netmodel.Decode(body)
		if err != nil {
			logger.Info(logkeys.Message, "decoding specification", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}
		if net.ID != specID {
			err := fmt.Errorf("specification ID %q does not match URL ID %q", net.ID, specID)
			logger.Info(logkeys.Message, "decoding specification", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}

		if err = registry.RegisterSpecification(r.Context(), net); err != nil {
			logger.Info(logkeys.Message, "registering specification", logkeys.Error, err)
			api.JSONError(w, err, apiStatusCode(err))
			return
		}
		logger.Debug(logkeys.Message, "registered specification")
		w.WriteHeader(http.StatusNoContent)
	}
}

// GetSpecHandler creates a HandlerFunc that returns a registered net
// specification as JSON.
func GetSpecHandler(registry SpecRegistry, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		specID := flow.Param(r.Context(), "id")

		net, err := registry.Specification(r.Context(), specID)
		if err != nil {
			logger.Info(logkeys.Message, "retrieving specification", logkeys.SpecID, specID, logkeys.Error, err)
			api.JSONError(w, err, apiStatusCode(err))
			return
		}
		w.Header().Set("Content-type", "application/json")
		if err = json.NewEncoder(w).Encode(net); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// GetSpecIDsHandler creates a HandlerFunc that lists registered
// specification IDs.
func GetSpecIDsHandler(registry SpecRegistry, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		jsonResp := &struct {
			SpecIDs []string `json:"spec_ids"`
		}{SpecIDs: registry.SpecificationIDs(r.Context())}
		w.Header().Set("Content-type", "application/json")
		if err := json.NewEncoder(w).Encode(jsonResp); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}
