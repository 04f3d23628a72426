package broker

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"

	"github.com/svchub/broker/pkg/logger"
)

// Availability is one of the four fault-injection dispositions a chaos
// policy can assign to an identity.
type Availability string

const (
	AllowAll       Availability = "allowAll"
	DenyAll        Availability = "denyAll"
	DenyRemote     Availability = "denyRemote"
	DenyFromRemote Availability = "denyFromRemote"
)

// chaosFileSchema mirrors the on-disk JSON shape:
// {"brokeredServices": {"name[/version]": {"availability": "..."}}}.
type chaosFileSchema struct {
	BrokeredServices map[string]struct {
		Availability Availability `json:"availability"`
	} `json:"brokeredServices"`
}

// chaosPolicy is an immutable snapshot of the parsed policy file,
// keyed by parsed Identity rather than the raw "name[/version]" string
// so lookup.go never has to re-parse on the hot path.
type chaosPolicy struct {
	rules map[Identity]Availability
}

func emptyChaosPolicy() *chaosPolicy {
	return &chaosPolicy{rules: map[Identity]Availability{}}
}

// deny reports whether policy forbids a request for identity i, given
// whether the request entered via the remote facade and whether a
// remote source would have won the lookup.
func (p *chaosPolicy) deny(i Identity, viaRemoteFacade, remoteWouldWin bool) bool {
	if p == nil {
		return false
	}
	rule, ok := p.rules[i]
	if !ok {
		return false
	}
	switch rule {
	case DenyAll:
		return true
	case DenyRemote:
		return remoteWouldWin
	case DenyFromRemote:
		return viaRemoteFacade
	case AllowAll, "":
		return false
	default:
		return false
	}
}

// loadChaosPolicy reads and parses path into a chaosPolicy. Identities
// that fail to parse are skipped with a logged warning rather than
// failing the whole load. registered, when non-nil, is consulted (with
// the same versionless-fallback rule the lookup engine uses) to warn
// once per entry that names an identity absent from the registration
// table — the rule is still recorded and otherwise ignored, since an
// unregistered identity already misses at lookup.go step 1 before
// chaos policy is ever consulted. A nil registered skips this check
// entirely (used where no registration table is available yet).
func loadChaosPolicy(path string, registered map[Identity]Registration) (*chaosPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("broker: read chaos policy %s: %w", path, err)
	}
	var schema chaosFileSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("broker: parse chaos policy %s: %w", path, err)
	}

	var errs *multierror.Error
	policy := emptyChaosPolicy()
	for key, rule := range schema.BrokeredServices {
		id, err := ParseIdentity(key)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("chaos policy entry %q: %w", key, err))
			continue
		}
		policy.rules[id] = rule.Availability
		if registered != nil {
			if _, _, ok := resolveUncached(id, registered); !ok {
				logger.Warnf("broker: chaos policy %s references unregistered identity %s", path, id)
			}
		}
	}
	if errs != nil {
		logger.Warnf("broker: chaos policy %s had invalid entries: %v", path, errs)
	}
	return policy, nil
}

// chaosWatcher hot-reloads a chaos policy file via fsnotify, installing
// a fresh immutable snapshot into current on every write. registeredFn
// returns a fresh snapshot of the registration table on every call, so
// each load (initial and reloaded) warns against what's registered at
// that moment rather than a stale copy taken at watcher construction.
type chaosWatcher struct {
	path         string
	registeredFn func() map[Identity]Registration
	current      atomic.Pointer[chaosPolicy]
	watcher      *fsnotify.Watcher
	done         chan struct{}
}

// newChaosWatcher loads path once and, if watch is true, keeps
// reloading it on filesystem change notifications until Close is
// called.
func newChaosWatcher(path string, watch bool, registeredFn func() map[Identity]Registration) (*chaosWatcher, error) {
	w := &chaosWatcher{path: path, registeredFn: registeredFn, done: make(chan struct{})}
	policy, err := loadChaosPolicy(path, registeredFn())
	if err != nil {
		return nil, err
	}
	w.current.Store(policy)

	if !watch {
		return w, nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("broker: start chaos policy watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("broker: watch chaos policy %s: %w", path, err)
	}
	w.watcher = fw
	go w.run()
	return w, nil
}

func (w *chaosWatcher) run() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			policy, err := loadChaosPolicy(w.path, w.registeredFn())
			if err != nil {
				logger.Errorf("broker: reload chaos policy %s: %v", w.path, err)
				continue
			}
			w.current.Store(policy)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Errorf("broker: chaos policy watcher: %v", err)
		}
	}
}

func (w *chaosWatcher) snapshot() *chaosPolicy {
	return w.current.Load()
}

func (w *chaosWatcher) Close() error {
	close(w.done)
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
