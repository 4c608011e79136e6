// smtp.go - SMTP exit delivery
// Copyright (C) 2026  Mixcore Contributors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package smtp is a minimal concrete implementation of the "Delivery/SMTP"
// exit module: it relays each delivered message's payload as the body of
// an outgoing email via net/smtp, matching the behavior the
// Delivery/SMTP descriptor section advertises in original_source.
package smtp

import (
	"fmt"
	"net/smtp"

	"github.com/katzenpost/mixcore/queue/delivery"
)

// AddressOf extracts the destination mailbox address from a message
// payload; delivery callers set this to whatever convention their
// message format uses (e.g. a fixed header, or a separate routing
// field threaded in alongside the payload).
type AddressOf func(payload []byte) (to string, body []byte, err error)

// Deliverer relays messages to an upstream SMTP relay.
type Deliverer struct {
	RelayAddr   string
	From        string
	MaximumSize int
	AddressOf   AddressOf
}

// NewDeliverer constructs a Deliverer that relays through relayAddr
// ("host:port"), sending from the given envelope address.
func NewDeliverer(relayAddr, from string, maximumSize int, addressOf AddressOf) *Deliverer {
	return &Deliverer{RelayAddr: relayAddr, From: from, MaximumSize: maximumSize, AddressOf: addressOf}
}

// DeliverMessages implements delivery.Deliverer.
func (d *Deliverer) DeliverMessages(batch []delivery.Message, onResult func(handle string, err error)) {
	for _, m := range batch {
		onResult(m.Handle, d.deliverOne(m))
	}
}

func (d *Deliverer) deliverOne(m delivery.Message) error {
	if d.MaximumSize > 0 && len(m.Payload) > d.MaximumSize*1024 {
		return fmt.Errorf("smtp: message %s exceeds maximum size", m.Handle)
	}
	to, body, err := d.AddressOf(m.Payload)
	if err != nil {
		return err
	}
	return smtp.SendMail(d.RelayAddr, nil, d.From, []string{to}, body)
}
