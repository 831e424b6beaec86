package flagsync

import (
	"errors"
	"net/http"

	"github.com/OrlandoBitencourt/flagsync/internal/server"
)

func (p *Provider) adminOptions() []server.Option {
	opts := []server.Option{server.WithLogger(p.log), server.WithTelemetry(p.tel)}
	if p.webhook {
		opts = append(opts, server.WithWebhook(p.webhookSecret))
	}
	return opts
}

// startAdminServer runs the admin server in background
func (p *Provider) startAdminServer() {
	p.admin = server.NewAdminServer(p.store, p.adminAddr, p.adminOptions()...)
	p.adminDone = make(chan struct{})

	admin, done := p.admin, p.adminDone
	go func() {
		defer close(done)
		if err := admin.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// Log error but don't crash the application
			p.log.WithError(err).Error("admin server stopped")
		}
	}()
}

// AdminHandler returns the admin endpoints as a handler, for mounting on an
// existing server instead of WithAdminServer.
//
//	mux.Handle("/flags/", http.StripPrefix("/flags", p.AdminHandler()))
func (p *Provider) AdminHandler() http.Handler {
	return server.NewAdminServer(p.store, "", p.adminOptions()...).Handler()
}
