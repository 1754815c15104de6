package app

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
)

// controlRequest is the intake payload: a lifecycle or job command aimed
// at one bot.
type controlRequest struct {
	Bot     string `json:"bot"`
	Command string `json:"command"`
	FileID  string `json:"file_id,omitempty"`
	Gcode   string `json:"gcode,omitempty"`
}

// handleBots returns status snapshots for every bot.
func (a *App) handleBots(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.sys.Bots()); err != nil {
		a.log.Error("encode bots: %v", err)
	}
}

// handleBot returns one bot's status snapshot.
func (a *App) handleBot(w http.ResponseWriter, r *http.Request) {
	st, err := a.sys.GetBot(r.URL.Query().Get("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		a.log.Error("encode bot: %v", err)
	}
}

// handleControl routes an intake command. Job commands (start, pause,
// resume, stop, gcode) act on the bot's active job; everything else goes
// through the lifecycle intake, which rejects unsupported tokens without
// touching state.
func (a *App) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed control request", http.StatusBadRequest)
		return
	}
	defer func() {
		if err := r.Body.Close(); err != nil {
			a.log.Error("close control body: %v", err)
		}
	}()

	var err error
	switch req.Command {
	case "start":
		err = a.sys.StartJob(req.Bot, req.FileID)
	case "pause":
		err = a.sys.PauseJob(req.Bot)
	case "resume":
		err = a.sys.ResumeJob(req.Bot)
	case "stop":
		err = a.sys.StopJob(req.Bot)
	case "gcode":
		err = a.sys.SendGcode(req.Bot, req.Gcode)
	default:
		err = a.sys.ProcessCommand(req.Bot, req.Command)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleWS upgrades the connection and subscribes it to the state-change
// feed until the peer goes away.
func (a *App) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Error("websocket upgrade: %v", err)
		return
	}
	a.mu.Lock()
	a.clients[conn] = true
	a.mu.Unlock()

	go func(c *websocket.Conn) {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				a.mu.Lock()
				delete(a.clients, c)
				a.mu.Unlock()
				_ = c.Close()
				return
			}
		}
	}(conn)
}
