package broadcasting

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"

	"drawsync/channels"
	"drawsync/core"

	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type (
	// Granter signs subscription grants for authorized principals.
	Granter interface {
		Grant(ctx context.Context, p *core.Principal, channel string) (channels.Grant, error)
	}

	authResponse struct {
		channels.Grant
		// ChannelData describes the member on presence channels.
		ChannelData string `json:"channel_data,omitempty"`
	}

	memberData struct {
		UserID   string `json:"user_id"`
		UserInfo struct {
			Name string `json:"name"`
		} `json:"user_info"`
	}
)

// HandleAuth is the subscription handshake. The channel name comes from a
// JSON body or a form field named channel_name.
func HandleAuth(gate Granter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := core.PrincipalFrom(r.Context())

		channel, err := channelName(r)
		if err != nil || channel == "" {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "channel_name is required", "code": "validation"})
			return
		}

		grant, err := gate.Grant(r.Context(), p, channel)
		if err != nil {
			status := http.StatusForbidden
			if errors.Is(err, core.ErrUnauthenticated) {
				status = http.StatusUnauthorized
			} else if !errors.Is(err, core.ErrForbidden) {
				logrus.WithFields(logrus.Fields{"channel": channel, "error": err}).Error("Failed to sign channel grant")
				status = http.StatusInternalServerError
			}
			render.Status(r, status)
			render.JSON(w, r, map[string]string{"error": "Channel access denied", "code": core.Code(err)})
			return
		}

		resp := authResponse{Grant: grant}
		if name, _ := channels.Parse(channel); name.Kind == channels.KindPresence {
			var m memberData
			m.UserID = p.Subject
			m.UserInfo.Name = p.Label()
			raw, _ := json.Marshal(m)
			resp.ChannelData = string(raw)
		}
		render.JSON(w, r, resp)
	}
}

func channelName(r *http.Request) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var body struct {
			ChannelName string `json:"channel_name"`
		}
		err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 4096)).Decode(&body)
		return body.ChannelName, err
	}
	if err := r.ParseForm(); err != nil {
		return "", err
	}
	return r.PostForm.Get("channel_name"), nil
}
