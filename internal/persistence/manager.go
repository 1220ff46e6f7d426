/*
   Copyright The WSandbox Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wsandbox/sandbox/internal/sandboxlock"
)

const defaultAutosaveMs = 1000

// Manager wraps a Backend with debounced autosave. Saves for one
// namespace are serialized against each other by a KeyedLocker so a
// slow host-file write never interleaves with a concurrent one for the
// same namespace; different namespaces proceed independently.
type Manager struct {
	backend    Backend
	locker     sandboxlock.Locker
	log        *logrus.Entry
	autosaveMs int

	mu      sync.Mutex
	timers  map[string]*time.Timer
	getters map[string]func() ([]byte, error)
	running map[string]bool
	queued  map[string]bool
}

// NewManager returns a Manager backed by backend, autosaving autosaveMs
// after the last onChange (0 uses the package default of 1000).
func NewManager(backend Backend, autosaveMs int, log *logrus.Entry) *Manager {
	if autosaveMs <= 0 {
		autosaveMs = defaultAutosaveMs
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		backend:    backend,
		locker:     sandboxlock.NewKeyedLocker(),
		log:        log,
		autosaveMs: autosaveMs,
		timers:     make(map[string]*time.Timer),
		getters:    make(map[string]func() ([]byte, error)),
		running:    make(map[string]bool),
		queued:     make(map[string]bool),
	}
}

// Load returns the last saved blob for ns.
func (m *Manager) Load(ns string) ([]byte, error) {
	return m.backend.Load(ns)
}

// Save immediately persists blob for ns. Persistence failures are
// logged and returned, never raised as a fatal condition.
func (m *Manager) Save(ns string, blob []byte) error {
	unlock, err := m.locker.LockKey(context.Background(), ns)
	if err != nil {
		m.log.WithError(err).WithField("namespace", ns).Warn("persistence: autosave lock acquisition failed")
		return err
	}
	defer unlock()
	if err := m.backend.Save(ns, blob); err != nil {
		m.log.WithError(err).WithField("namespace", ns).Warn("persistence: autosave failed")
		return err
	}
	return nil
}

// Delete removes ns's stored blob and any pending autosave for it.
func (m *Manager) Delete(ns string) error {
	m.mu.Lock()
	if t, ok := m.timers[ns]; ok {
		t.Stop()
		delete(m.timers, ns)
	}
	delete(m.getters, ns)
	m.mu.Unlock()
	m.locker.CleanupKey(ns)
	return m.backend.Delete(ns)
}

// OnChange schedules a debounced autosave for ns: getBlob is called at
// save time, not now, so a burst of changes within the debounce window
// is captured by one save of the latest state rather than one save per
// change. A call arriving while the debounce timer is already pending
// resets it; a call landing while a save is already running coalesces
// into exactly one more save after it finishes.
func (m *Manager) OnChange(ns string, getBlob func() ([]byte, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getters[ns] = getBlob
	if t, ok := m.timers[ns]; ok {
		t.Stop()
	}
	m.timers[ns] = time.AfterFunc(time.Duration(m.autosaveMs)*time.Millisecond, func() {
		m.fire(ns)
	})
}

func (m *Manager) fire(ns string) {
	m.mu.Lock()
	if m.running[ns] {
		m.queued[ns] = true
		m.mu.Unlock()
		return
	}
	m.running[ns] = true
	getBlob := m.getters[ns]
	m.mu.Unlock()

	m.doSave(ns, getBlob)

	m.mu.Lock()
	m.running[ns] = false
	requeue := m.queued[ns]
	m.queued[ns] = false
	m.mu.Unlock()

	if requeue {
		m.fire(ns)
	}
}

func (m *Manager) doSave(ns string, getBlob func() ([]byte, error)) {
	if getBlob == nil {
		return
	}
	blob, err := getBlob()
	if err != nil {
		m.log.WithError(err).WithField("namespace", ns).Warn("persistence: export failed")
		return
	}
	_ = m.Save(ns, blob)
}

// Flush cancels ns's debounce timer and performs exactly one immediate
// save if one was pending or already running, matching a caller's
// single-flush-on-dispose contract.
func (m *Manager) Flush(ns string) {
	m.mu.Lock()
	t, hadTimer := m.timers[ns]
	getBlob := m.getters[ns]
	wasRunning := m.running[ns]
	delete(m.timers, ns)
	m.queued[ns] = false
	m.mu.Unlock()

	pending := hadTimer && t.Stop()
	if pending || wasRunning {
		m.doSave(ns, getBlob)
	}
}

// Dispose flushes every namespace with a pending or running autosave.
// Call it once when the owning Sandbox shuts down.
func (m *Manager) Dispose() {
	m.mu.Lock()
	nss := make([]string, 0, len(m.timers))
	for ns := range m.timers {
		nss = append(nss, ns)
	}
	m.mu.Unlock()
	for _, ns := range nss {
		m.Flush(ns)
	}
}
