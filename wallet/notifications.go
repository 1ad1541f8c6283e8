// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"sync"

	"github.com/talersuite/talerwallet/amount"
	"github.com/talersuite/talerwallet/coinmgr"
)

// Notification is the interface implemented by all wallet event types
// delivered through the NotificationServer.
type Notification interface {
	notification()
}

// OperationScope identifies the engine an operation error belongs to.
type OperationScope uint8

const (
	// ScopeExchange covers exchange metadata updates.
	ScopeExchange OperationScope = iota

	// ScopeReserve covers reserve processing.
	ScopeReserve

	// ScopeWithdraw covers withdrawal group processing.
	ScopeWithdraw

	// ScopeRefresh covers refresh group processing.
	ScopeRefresh

	// ScopeRecoup covers recoup group processing.
	ScopeRecoup
)

// scopeStrings maps operation scopes to names.
var scopeStrings = map[OperationScope]string{
	ScopeExchange: "exchange",
	ScopeReserve:  "reserve",
	ScopeWithdraw: "withdraw",
	ScopeRefresh:  "refresh",
	ScopeRecoup:   "recoup",
}

// String returns the scope as a human-readable name.
func (s OperationScope) String() string {
	if str, ok := scopeStrings[s]; ok {
		return str
	}
	return "unknown"
}

// ExchangeUpdatedNotification is emitted when an exchange's metadata update
// pipeline reaches Finished.
type ExchangeUpdatedNotification struct {
	BaseURL string
}

// ReserveStatusNotification is emitted on every reserve status transition.
type ReserveStatusNotification struct {
	ReservePub []byte
	Status     coinmgr.ReserveStatus
}

// WithdrawFinishedNotification is emitted when a withdrawal group completes
// with every planchet promoted.
type WithdrawFinishedNotification struct {
	GroupID  coinmgr.GroupID
	NumCoins int
}

// WithdrawIncompleteNotification is emitted when a withdrawal group has
// promoted everything it can but some planchets failed permanently.
type WithdrawIncompleteNotification struct {
	GroupID   coinmgr.GroupID
	NumCoins  int
	NumErrors int
}

// RefreshUnwarrantedNotification is emitted when a coin's remainder is below
// any denomination's cost and is abandoned instead of refreshed.
type RefreshUnwarrantedNotification struct {
	CoinPub   []byte
	Remainder amount.Amount
}

// RefreshFinishedNotification is emitted when a refresh group completes.
type RefreshFinishedNotification struct {
	GroupID coinmgr.GroupID
}

// RecoupTipLostNotification is emitted when a tip-sourced coin of a revoked
// denomination cannot be recouped and its value is lost.
type RecoupTipLostNotification struct {
	CoinPub []byte
	Lost    amount.Amount
}

// RecoupFinishedNotification is emitted when a recoup group completes.
type RecoupFinishedNotification struct {
	GroupID coinmgr.GroupID
}

// OperationErrorNotification carries a recorded failure of one engine
// operation, identified by scope and record id.
type OperationErrorNotification struct {
	Scope OperationScope
	ID    string
	Hint  string
}

func (ExchangeUpdatedNotification) notification()    {}
func (ReserveStatusNotification) notification()      {}
func (WithdrawFinishedNotification) notification()   {}
func (WithdrawIncompleteNotification) notification() {}
func (RefreshUnwarrantedNotification) notification() {}
func (RefreshFinishedNotification) notification()    {}
func (RecoupTipLostNotification) notification()      {}
func (RecoupFinishedNotification) notification()     {}
func (OperationErrorNotification) notification()     {}

// notificationChanBuffer bounds a subscriber's unread backlog.  A slow
// subscriber loses events rather than blocking the engines.
const notificationChanBuffer = 64

// NotificationClient is one subscription to wallet events.
type NotificationClient struct {
	// C delivers the events.  It is closed on Unsubscribe.
	C <-chan Notification

	c      chan Notification
	server *NotificationServer
}

// Unsubscribe removes the client from the server and closes its channel.
func (c *NotificationClient) Unsubscribe() {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cl := range s.clients {
		if cl == c {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			close(c.c)
			return
		}
	}
}

// NotificationServer fans wallet events out to subscribers.  The engines
// only produce typed events; presentation is entirely the subscribers'
// concern.
type NotificationServer struct {
	mu      sync.Mutex
	clients []*NotificationClient
}

// newNotificationServer creates an empty notification server.
func newNotificationServer() *NotificationServer {
	return &NotificationServer{}
}

// Subscribe registers a new event subscriber.
func (s *NotificationServer) Subscribe() *NotificationClient {
	c := &NotificationClient{
		c:      make(chan Notification, notificationChanBuffer),
		server: s,
	}
	c.C = c.c
	s.mu.Lock()
	s.clients = append(s.clients, c)
	s.mu.Unlock()
	return c
}

// notify delivers the event to all subscribers.  Full subscriber channels
// are skipped; the engines must never block on a consumer.
func (s *NotificationServer) notify(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		select {
		case c.c <- n:
		default:
			log.Warnf("Dropping %T notification for slow subscriber", n)
		}
	}
}
