//go:build !rp2350

//----------------------------------------------------------------------
// This file is part of wifiprov.
// Copyright (C) 2024-present Bernd Fix   >Y<
//
// wifiprov is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// wifiprov is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later
//----------------------------------------------------------------------

package wifiprov

import (
	"context"
	"errors"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

var portalPage = template.Must(template.New("portal").Parse(`<!DOCTYPE html>
<html><head><title>{{.Name}}</title></head>
<body>
<h1>{{.Name}}</h1>
{{if .Msg}}<p>{{.Msg}}</p>{{end}}
<form method="post" action="/provision">
<label>SSID <input name="ssid" maxlength="32"></label><br>
<label>Password <input name="password" type="password" maxlength="64"></label><br>
<input type="submit" value="Save">
</form>
</body></html>
`))

// Portal acquires a credential through a web form served on a temporary
// listener (the host's rendition of a setup access point).
type Portal struct {
	addr   string
	logger *slog.Logger

	mtx sync.Mutex
	lst net.Listener
}

var _ Provisioner = (*Portal)(nil)

// NewPortal listening on addr once provisioning starts.
func NewPortal(addr string, logger *slog.Logger) *Portal {
	return &Portal{
		addr:   addr,
		logger: orDiscard(logger),
	}
}

// Listen binds the portal address ahead of Provision.
func (p *Portal) Listen() error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.lst != nil {
		return nil
	}
	lst, err := net.Listen("tcp", p.addr)
	if err != nil {
		return err
	}
	p.lst = lst
	return nil
}

// Addr returns the bound address (nil before Listen).
func (p *Portal) Addr() net.Addr {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.lst == nil {
		return nil
	}
	return p.lst.Addr()
}

// Provision serves the form until a valid credential is posted.
func (p *Portal) Provision(ctx context.Context, name string) (Credential, error) {
	if err := p.Listen(); err != nil {
		return Credential{}, err
	}
	p.mtx.Lock()
	lst := p.lst
	p.lst = nil
	p.mtx.Unlock()

	got := make(chan Credential, 1)
	srv := &http.Server{
		Handler:           p.Router(name, got),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(lst)
	}()
	p.logger.Info("provisioning portal ready", slog.String("name", name), slog.String("addr", lst.Addr().String()))

	var (
		cred Credential
		err  error
	)
	select {
	case cred = <-got:
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-errc:
	}
	sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Shutdown(sctx)
	if errors.Is(err, http.ErrServerClosed) {
		err = errors.New("portal closed")
	}
	return cred, err
}

// Router of the portal: the form and its submission endpoint. The first
// valid credential is delivered to got.
func (p *Portal) Router(name string, got chan<- Credential) *mux.Router {
	r := mux.NewRouter()
	render := func(w http.ResponseWriter, code int, msg string) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(code)
		portalPage.Execute(w, struct{ Name, Msg string }{name, msg})
	}
	r.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		render(w, http.StatusOK, "")
	}).Methods(http.MethodGet)
	r.HandleFunc("/provision", func(w http.ResponseWriter, req *http.Request) {
		if err := req.ParseForm(); err != nil {
			render(w, http.StatusBadRequest, err.Error())
			return
		}
		cred := Credential{
			SSID:     req.PostForm.Get("ssid"),
			Password: req.PostForm.Get("password"),
		}
		if err := cred.Validate(); err != nil {
			p.logger.Info("portal rejected credential", slog.String("err", err.Error()))
			render(w, http.StatusBadRequest, err.Error())
			return
		}
		select {
		case got <- cred:
			render(w, http.StatusOK, "Saved. The device connects to "+cred.SSID+" now.")
		default:
			render(w, http.StatusConflict, "already provisioned")
		}
	}).Methods(http.MethodPost)
	return r
}
