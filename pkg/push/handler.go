package push

import (
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
)

// maxPayload matches the payload limit push services enforce.
const maxPayload = 4096

// Handler receives push messages for the stored subscription. Mount it on a
// pattern with an {id} wildcard, the last segment of the subscription endpoint.
func Handler(p *LocalPlatform) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if !p.Delivers(r.PathValue("id")) {
			http.Error(w, "Unknown subscription", http.StatusNotFound)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayload))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		if err := p.HandlePush(r.Context(), body); err != nil {
			log.Debug().Err(err).Msg("[push] rejected push message")
			http.Error(w, "Invalid push payload", http.StatusBadRequest)
			return
		}

		w.WriteHeader(http.StatusCreated)
	}
}
