package server

import (
	"encoding/json"
	"net/http"
	"path"
	"time"

	"skybus/pkg/bus"
)

type deviceStatus struct {
	Name       string `json:"name"`
	Interfaces string `json:"interfaces"`
	State      string `json:"state"`
	LastResult string `json:"last_result"`
	Remote     string `json:"remote,omitempty"`
}

type status struct {
	Name     string           `json:"name"`
	Uptime   string           `json:"uptime"`
	Devices  []deviceStatus   `json:"devices"`
	Clients  []bus.ClientInfo `json:"clients"`
	Sessions []SessionInfo    `json:"sessions"`
}

func (s *Server) routes() *http.ServeMux {
	r := http.NewServeMux()
	r.HandleFunc("GET /{$}", s.handleStatusPage)
	r.HandleFunc("GET /api/status", s.handleStatus)
	r.HandleFunc("GET /blob/{device}/{property}/{item}", s.handleBlob)
	r.HandleFunc("GET /ws", s.handleWebsocket)
	return r
}

func (s *Server) status() status {
	st := status{
		Name:     s.opts.Name,
		Uptime:   time.Since(s.start).Truncate(time.Second).String(),
		Clients:  s.bus.Clients(),
		Sessions: s.Sessions(),
	}
	for _, d := range s.bus.Devices() {
		st.Devices = append(st.Devices, deviceStatus{
			Name:       d.Name(),
			Interfaces: d.Interfaces().String(),
			State:      d.State().String(),
			LastResult: string(d.LastResult()),
			Remote:     d.Address(),
		})
	}
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.status()); err != nil {
		s.logger.Debugf("Error writing status: %v", err)
	}
}

func (s *Server) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	if err := s.tmpl.ExecuteTemplate(w, "status.html", s.status()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleBlob serves the latest content of a BLOB item.
func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	device, prop, item := r.PathValue("device"), r.PathValue("property"), r.PathValue("item")
	blob, ok := s.bus.Blob(device, prop, item)
	if !ok || len(blob.Content) == 0 {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if blob.Format != "" {
		w.Header().Set("Content-Disposition", "attachment; filename="+path.Base(item+blob.Format))
	}
	if _, err := w.Write(blob.Content); err != nil {
		s.logger.Debugf("Error writing BLOB %s.%s.%s: %v", device, prop, item, err)
	}
}

// handleWebsocket runs a property session over a websocket.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debugf("Websocket upgrade failed: %v", err)
		return
	}
	s.serveSession(&wsStream{conn: conn}, r.RemoteAddr)
}
