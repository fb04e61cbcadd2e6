package handlers

import (
	"encoding/xml"
	"log/slog"
	"net/http"
	"strings"

	"github.com/voxline/callbridge/pkg/gateway/config"
	"github.com/voxline/callbridge/pkg/gateway/mw"
)

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// VoiceHandler answers the carrier's inbound-call webhook with connection
// instructions pointing the call's media stream at this gateway.
type VoiceHandler struct {
	Config config.Config
	Logger *slog.Logger
}

func (h VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	from := strings.TrimSpace(r.PostFormValue("From"))
	callSID := strings.TrimSpace(r.PostFormValue("CallSid"))
	if h.Logger != nil {
		reqID, _ := mw.RequestIDFrom(r.Context())
		h.Logger.Info("inbound call", "request_id", reqID, "call_sid", callSID, "from", from)
	}

	resp := twimlResponse{
		Connect: twimlConnect{
			Stream: twimlStream{
				URL: "wss://" + h.Config.PublicHost + "/media",
				Parameters: []twimlParameter{
					{Name: "phone", Value: from},
				},
			},
		},
	}

	body, err := xml.Marshal(resp)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}
