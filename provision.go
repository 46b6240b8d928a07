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
	"fmt"
	"log/slog"
	"time"
)

// Provisioner is an external credential acquisition channel. Provision
// exposes the channel under the given display name and blocks until an
// operator supplied a credential, the channel fails or ctx is done.
type Provisioner interface {
	Provision(ctx context.Context, name string) (Credential, error)
}

// ErrProvisionTimeout is returned by provisioners that time out on their own.
var ErrProvisionTimeout = errors.New("provisioning timed out")

// ProvisioningErrorKind classifies provisioning failures.
type ProvisioningErrorKind int

// Provisioning failure kinds
const (
	ProvisionTransport ProvisioningErrorKind = iota
	ProvisionTimeout
	ProvisionStorage // acquired credential could not be persisted
)

// ProvisioningError is returned if no credential could be acquired.
type ProvisioningError struct {
	Kind ProvisioningErrorKind
	Err  error
}

// Error returns the error message.
func (e *ProvisioningError) Error() string {
	kind := "transport"
	switch e.Kind {
	case ProvisionTimeout:
		kind = "timeout"
	case ProvisionStorage:
		kind = "storage"
	}
	return fmt.Sprintf("provisioning failed (%s): %v", kind, e.Err)
}

// Unwrap returns the cause.
func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

//----------------------------------------------------------------------

// ProvisionState of the provisioning flow.
type ProvisionState int

// Provisioning states
const (
	StateUnprovisioned ProvisionState = iota
	StateProvisioning
	StateProvisioned
)

// String returns the state name.
func (s ProvisionState) String() string {
	switch s {
	case StateUnprovisioned:
		return "unprovisioned"
	case StateProvisioning:
		return "provisioning"
	case StateProvisioned:
		return "provisioned"
	}
	return "unknown"
}

// Flow decides between stored and freshly acquired credentials.
type Flow struct {
	store   *CredentialStore
	prov    Provisioner
	name    string        // display name of the acquisition channel
	timeout time.Duration // provisioning channel timeout (0 = none)
	logger  *slog.Logger

	state ProvisionState
	cred  Credential
}

// NewFlow creates a provisioning flow.
func NewFlow(store *CredentialStore, prov Provisioner, name string, timeout time.Duration, logger *slog.Logger) *Flow {
	return &Flow{
		store:   store,
		prov:    prov,
		name:    name,
		timeout: timeout,
		logger:  orDiscard(logger),
		state:   StateUnprovisioned,
	}
}

// State returns the current state.
func (f *Flow) State() ProvisionState {
	return f.state
}

// Credential returns the credential once provisioned.
func (f *Flow) Credential() (Credential, bool) {
	return f.cred, f.state == StateProvisioned
}

// Run the flow: use the stored credential if there is a usable one,
// otherwise acquire and persist a new one. A returned error is always a
// *ProvisioningError; the caller is expected to restart the device.
func (f *Flow) Run(ctx context.Context) (Credential, error) {
	if f.state == StateProvisioned {
		return f.cred, nil
	}
	cred, err := f.store.Load()
	if err == nil {
		f.logger.Info("credential loaded", slog.String("ssid", cred.SSID), slog.Int("passlen", len(cred.Password)))
		return f.provisioned(cred), nil
	}
	if errors.Is(err, ErrNotFound) {
		f.logger.Info("no stored credential")
	} else {
		f.logger.Error("load credential", slog.String("err", err.Error()))
	}

	f.state = StateProvisioning
	f.logger.Info("provisioning started", slog.String("name", f.name), slog.Duration("timeout", f.timeout))
	pctx := ctx
	if f.timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	if cred, err = f.prov.Provision(pctx, f.name); err == nil {
		err = cred.Validate()
	}
	if err != nil {
		f.state = StateUnprovisioned
		kind := ProvisionTransport
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrProvisionTimeout) {
			kind = ProvisionTimeout
		}
		return Credential{}, &ProvisioningError{Kind: kind, Err: err}
	}
	f.logger.Info("credential received", slog.String("ssid", cred.SSID), slog.Int("passlen", len(cred.Password)))

	if err = f.store.Save(cred); err != nil {
		f.state = StateUnprovisioned
		f.logger.Error("save credential", slog.String("err", err.Error()))
		return Credential{}, &ProvisioningError{Kind: ProvisionStorage, Err: err}
	}
	return f.provisioned(cred), nil
}

func (f *Flow) provisioned(cred Credential) Credential {
	f.cred = cred
	f.state = StateProvisioned
	return cred
}
