package app

// registerRoutes sets up all HTTP handlers for the intake API.
func (a *App) registerRoutes() {
	a.mux.HandleFunc("/api/bots", a.handleBots)
	a.mux.HandleFunc("/api/bot", a.handleBot)
	a.mux.HandleFunc("/api/control", a.handleControl)
	a.mux.HandleFunc("/ws", a.handleWS)
}
