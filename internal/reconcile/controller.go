package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bricktally/bricktally-backend/internal/bom"
	"github.com/bricktally/bricktally-backend/internal/localstore"
	"github.com/bricktally/bricktally-backend/internal/ownership"
	"github.com/bricktally/bricktally-backend/internal/pkg/logger"
	"github.com/bricktally/bricktally-backend/internal/syncqueue"
)

// State is the controller's position in the reconciliation flow for one set.
type State int

const (
	StateNotStarted State = iota
	StateComparing
	StateInSync
	StatePrompting
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateComparing:
		return "comparing"
	case StateInSync:
		return "in_sync"
	case StatePrompting:
		return "prompting"
	case StateResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Decision is the persisted outcome of a past reconciliation. A stored
// local_to_cloud or cloud_kept short-circuits future comparisons for the
// set; synced records agreement but the next session still re-compares,
// since either side may have changed in the meantime.
const (
	DecisionNone         = ""
	DecisionSynced       = "synced"
	DecisionLocalToCloud = "local_to_cloud"
	DecisionCloudKept    = "cloud_kept"
)

const (
	remotePageSize = 500
	defaultTimeout = 20 * time.Second
)

// Summary is what the caller shows the user when local and remote disagree.
type Summary struct {
	LocalTotal  int
	RemoteTotal int
	LocalOnly   []string
	RemoteOnly  []string
	Different   []string
}

// Controller compares this device's ownership data for a set against the
// backend's and, when they diverge, holds both sides until the user picks
// one. At most one comparison runs at a time per controller.
type Controller struct {
	userID  string
	index   *bom.Index
	store   *ownership.Store
	queue   *syncqueue.Queue
	remote  syncqueue.RemoteClient
	cache   *localstore.Store
	timeout time.Duration
	log     *logger.Logger

	state      State
	setNum     string
	lastRemote map[string]int
}

func NewController(userID string, index *bom.Index, store *ownership.Store, queue *syncqueue.Queue, remote syncqueue.RemoteClient, cache *localstore.Store, baseLog *logger.Logger) *Controller {
	return &Controller{
		userID:  userID,
		index:   index,
		store:   store,
		queue:   queue,
		remote:  remote,
		cache:   cache,
		timeout: defaultTimeout,
		log:     baseLog.With("component", "reconcile", "user_id", userID),
		state:   StateNotStarted,
	}
}

func (c *Controller) State() State {
	return c.state
}

// Start hydrates the remote snapshot for setNum and compares it with local
// state. It returns the resulting state; StatePrompting means the caller
// must surface the returned Summary and resolve with AdoptLocal or
// AdoptRemote. On timeout or cancellation nothing is mutated and the
// controller returns to StateNotStarted.
func (c *Controller) Start(ctx context.Context, setNum string) (State, *Summary, error) {
	if setNum == "" {
		return c.state, nil, fmt.Errorf("reconcile: set number required")
	}
	c.state = StateComparing
	c.setNum = setNum
	c.lastRemote = nil

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	decision, err := c.loadDecision(setNum)
	if err != nil {
		c.state = StateNotStarted
		return c.state, nil, err
	}
	if decision == DecisionLocalToCloud {
		// Local already won once; the queue carries anything new.
		c.state = StateResolved
		return c.state, nil, nil
	}

	remote, err := c.fetchRemote(ctx, setNum)
	if err != nil {
		c.state = StateNotStarted
		return c.state, nil, fmt.Errorf("reconcile %s: %w", setNum, err)
	}
	c.lastRemote = remote

	if decision == DecisionCloudKept {
		// The user chose the cloud copy before; keep folding the
		// backend's rows in so later remote edits still land here.
		c.mergeRemoteIntoLocal(setNum, remote)
		c.state = StateResolved
		return c.state, nil, nil
	}

	local := c.localNonZero(setNum)
	summary := compare(local, remote)
	if summary == nil {
		if err := c.saveDecision(setNum, DecisionSynced); err != nil {
			c.log.Warn("failed to persist sync decision", "set_num", setNum, "error", err)
		}
		c.state = StateInSync
		return c.state, nil, nil
	}
	c.state = StatePrompting
	return c.state, summary, nil
}

// AdoptLocal keeps this device's data: every locally-owned item covered by
// the catalog is queued for upload, overwriting the backend row by row.
func (c *Controller) AdoptLocal() error {
	if c.state != StatePrompting {
		return fmt.Errorf("reconcile: no pending prompt")
	}
	for key, qty := range c.localNonZero(c.setNum) {
		if _, ok := c.index.Lookup(key); !ok {
			continue
		}
		if err := c.queue.Enqueue(c.setNum, key, qty, syncqueue.OpUpsert); err != nil {
			return fmt.Errorf("queue local row %s: %w", key, err)
		}
	}
	if err := c.saveDecision(c.setNum, DecisionLocalToCloud); err != nil {
		return err
	}
	c.state = StateResolved
	c.log.Info("reconciliation resolved, local adopted", "set_num", c.setNum)
	return nil
}

// AdoptRemote keeps the backend's data: remote rows are written into the
// local store. Items owned only locally are left untouched, so adopting
// remote merges rather than mirrors.
func (c *Controller) AdoptRemote() error {
	if c.state != StatePrompting {
		return fmt.Errorf("reconcile: no pending prompt")
	}
	c.mergeRemoteIntoLocal(c.setNum, c.lastRemote)
	if err := c.saveDecision(c.setNum, DecisionCloudKept); err != nil {
		return err
	}
	c.state = StateResolved
	c.log.Info("reconciliation resolved, remote adopted", "set_num", c.setNum)
	return nil
}

func (c *Controller) fetchRemote(ctx context.Context, setNum string) (map[string]int, error) {
	remote := make(map[string]int)
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := c.remote.FetchPage(ctx, setNum, offset, remotePageSize)
		if err != nil {
			return nil, err
		}
		for _, row := range page {
			// Rows for items no catalog version we hold knows about
			// are ignored rather than treated as divergence.
			if _, ok := c.index.Lookup(row.ItemKey); !ok {
				continue
			}
			if row.OwnedQuantity > 0 {
				remote[row.ItemKey] = row.OwnedQuantity
			}
		}
		if len(page) < remotePageSize {
			return remote, nil
		}
		offset += len(page)
	}
}

func (c *Controller) mergeRemoteIntoLocal(setNum string, remote map[string]int) {
	keys := make([]string, 0, len(remote))
	values := make([]int, 0, len(remote))
	for key, qty := range remote {
		keys = append(keys, key)
		values = append(values, qty)
	}
	c.store.BulkSet(setNum, keys, values)
}

func (c *Controller) localNonZero(setNum string) map[string]int {
	out := make(map[string]int)
	for key, qty := range c.store.Snapshot(setNum) {
		if qty > 0 {
			out[key] = qty
		}
	}
	return out
}

func (c *Controller) decisionKey(setNum string) string {
	return "recdec/" + c.userID + "/" + setNum
}

func (c *Controller) loadDecision(setNum string) (string, error) {
	raw, ok, err := c.cache.Get(c.decisionKey(setNum))
	if err != nil {
		return DecisionNone, fmt.Errorf("load reconcile decision: %w", err)
	}
	if !ok {
		return DecisionNone, nil
	}
	return string(raw), nil
}

func (c *Controller) saveDecision(setNum, decision string) error {
	if err := c.cache.Set(c.decisionKey(setNum), []byte(decision)); err != nil {
		return fmt.Errorf("persist reconcile decision: %w", err)
	}
	return nil
}

// compare returns nil when both sides hold exactly the same items at the
// same quantities. Totals matching is not enough: two sides can sum equal
// while owning different items, and that still counts as divergence.
func compare(local, remote map[string]int) *Summary {
	summary := &Summary{}
	equal := true
	for key, qty := range local {
		summary.LocalTotal += qty
		rq, ok := remote[key]
		if !ok {
			summary.LocalOnly = append(summary.LocalOnly, key)
			equal = false
		} else if rq != qty {
			summary.Different = append(summary.Different, key)
			equal = false
		}
	}
	for key, qty := range remote {
		summary.RemoteTotal += qty
		if _, ok := local[key]; !ok {
			summary.RemoteOnly = append(summary.RemoteOnly, key)
			equal = false
		}
	}
	if equal && summary.LocalTotal == summary.RemoteTotal {
		return nil
	}
	sort.Strings(summary.LocalOnly)
	sort.Strings(summary.RemoteOnly)
	sort.Strings(summary.Different)
	return summary
}
