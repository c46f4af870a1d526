package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/factureprojet1/facture1.ma/internal/auth"
)

const streamKeepAlive = 25 * time.Second

// streamSubUsers sends the owner's full ordered directory as Server-Sent
// Events, one list per change. The stream is tied to the caller's session: it
// ends on logout or token expiry, and the session is re-checked before every
// write so a logout handled by another replica also ends it.
func (a *API) streamSubUsers(w http.ResponseWriter, r *http.Request, owner auth.Principal) {
	if a.dir == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	token := tokenFromContext(r.Context())
	ctx, _, release, err := a.gate.Bind(r.Context(), token)
	if err != nil {
		handleError(w, r, err)
		return
	}
	defer release()

	sub, err := a.dir.Subscribe(ctx, owner.AccountID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	defer sub.Close()
	log := a.log.WithField("account_id", owner.AccountID)
	log.Debug("directory stream opened")
	defer log.Debug("directory stream closed")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	sessionEnded := func() {
		if r.Context().Err() != nil {
			return
		}
		log.Debug("directory stream ended with session")
		_, _ = w.Write([]byte("event: session_ended\ndata: {}\n\n"))
		flusher.Flush()
	}
	live := func() bool {
		if ctx.Err() != nil {
			return false
		}
		_, err := a.gate.Authenticate(ctx, token)
		return err == nil
	}

	ping := time.NewTicker(streamKeepAlive)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			sessionEnded()
			return
		case <-ping.C:
			if !live() {
				sessionEnded()
				return
			}
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case list, ok := <-sub.C:
			if !ok {
				if ctx.Err() != nil {
					sessionEnded()
				}
				return
			}
			if !live() {
				sessionEnded()
				return
			}
			payload, err := json.Marshal(viewsOf(list))
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: subusers\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}
