// mbox.go - mbox exit delivery
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

// Package mbox is a minimal concrete implementation of the "Delivery/MBOX"
// exit module spec.md's descriptor model names but leaves external: it
// writes each delivered message to its own file, named after the
// message's queue handle, standing in for the exit modules original_source implements
// alongside ServerInfo/ServerQueue (see original_source's server exit
// module layout under server/ServerMain.py and friends).
package mbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/katzenpost/mixcore/queue/delivery"
)

// Deliverer writes each message's payload to a file named after its
// handle under Dir, one message per file (written to a ".tmp" file and
// then renamed into place). Nothing is appended to an existing mailbox.
type Deliverer struct {
	Dir         string
	MaximumSize int

	mu sync.Mutex
}

// NewDeliverer constructs a Deliverer rooted at dir.
func NewDeliverer(dir string, maximumSize int) *Deliverer {
	return &Deliverer{Dir: dir, MaximumSize: maximumSize}
}

// DeliverMessages implements delivery.Deliverer.
func (d *Deliverer) DeliverMessages(batch []delivery.Message, onResult func(handle string, err error)) {
	for _, m := range batch {
		onResult(m.Handle, d.deliverOne(m))
	}
}

func (d *Deliverer) deliverOne(m delivery.Message) error {
	if d.MaximumSize > 0 && len(m.Payload) > d.MaximumSize*1024 {
		return fmt.Errorf("mbox: message %s exceeds maximum size", m.Handle)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(d.Dir, 0700); err != nil {
		return err
	}

	path := filepath.Join(d.Dir, m.Handle)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, m.Payload, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
