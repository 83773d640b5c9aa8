package notifier

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/richardliu001/wallet-ledger/internal/model"
)

// ErrLagged closes a subscription whose queue filled up. The consumer should
// resubscribe with its last applied sequence numbers.
var ErrLagged = errors.New("subscriber lagged behind")

// Publisher is the side of the notifier the wallet service sees.
type Publisher interface {
	Publish(evt model.ChangeEvent)
}

type discard struct{}

func (discard) Publish(model.ChangeEvent) {}

// Discard drops events. Used when subscribers are fed from the Kafka change feed instead.
var Discard Publisher = discard{}

// Topic selects the events of one account or of every account of one owner.
type Topic struct {
	AccountID string
	OwnerID   string
}

func AccountTopic(accountID string) Topic { return Topic{AccountID: accountID} }
func OwnerTopic(ownerID string) Topic     { return Topic{OwnerID: ownerID} }

func (t Topic) Valid() bool { return (t.AccountID == "") != (t.OwnerID == "") }

func (t Topic) Matches(evt model.ChangeEvent) bool {
	if t.AccountID != "" {
		return evt.AccountID == t.AccountID
	}
	return evt.OwnerID == t.OwnerID
}

// Notifier fans committed change events out to subscribers, each with its own
// bounded queue. Publish is serialized, so per-account order is publish order.
type Notifier struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	buffer  int
	journal Journal
	log     *zap.SugaredLogger
}

// New creates a notifier. journal may be nil, in which case resume is not possible.
func New(buffer int, journal Journal, log *zap.SugaredLogger) *Notifier {
	if buffer < 1 {
		buffer = 64
	}
	return &Notifier{
		subs:    make(map[*Subscription]struct{}),
		buffer:  buffer,
		journal: journal,
		log:     log,
	}
}

// Publish journals the event and offers it to every matching subscriber.
// A subscriber with a full queue is dropped with ErrLagged.
func (n *Notifier) Publish(evt model.ChangeEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.journal != nil {
		if err := n.journal.Append(evt); err != nil {
			n.log.Warnw("journal change event", "account_id", evt.AccountID, "seq", evt.Seq, "err", err)
		}
	}
	for sub := range n.subs {
		if !sub.topic.Matches(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			n.log.Warnw("subscriber lagged, closing", "account_id", sub.topic.AccountID, "owner_id", sub.topic.OwnerID)
			n.drop(sub, ErrLagged)
		}
	}
}

// Subscribe starts delivery for topic. With a non-nil resume map, retained
// events newer than resume[accountID] are queued first (accounts missing from
// the map replay everything retained). A nil map means live events only.
func (n *Notifier) Subscribe(topic Topic, resume map[string]uint64) (*Subscription, error) {
	if !topic.Valid() {
		return nil, errors.New("topic needs exactly one of account or owner")
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	var backlog []model.ChangeEvent
	if resume != nil && n.journal != nil {
		err := n.journal.Replay(func(evt model.ChangeEvent) {
			if topic.Matches(evt) && evt.Seq > resume[evt.AccountID] {
				backlog = append(backlog, evt)
			}
		})
		if err != nil {
			return nil, err
		}
	}

	sub := &Subscription{
		topic: topic,
		ch:    make(chan model.ChangeEvent, len(backlog)+n.buffer),
		n:     n,
	}
	for _, evt := range backlog {
		sub.ch <- evt
	}
	n.subs[sub] = struct{}{}
	return sub, nil
}

// Subscribers reports the number of live subscriptions.
func (n *Notifier) Subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

// Close ends every subscription and the journal.
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for sub := range n.subs {
		n.drop(sub, nil)
	}
	if n.journal != nil {
		return n.journal.Close()
	}
	return nil
}

// drop must be called with n.mu held.
func (n *Notifier) drop(sub *Subscription, err error) {
	if _, ok := n.subs[sub]; !ok {
		return
	}
	delete(n.subs, sub)
	sub.err = err
	close(sub.ch)
}

// Subscription is one consumer's bounded event queue.
type Subscription struct {
	topic Topic
	ch    chan model.ChangeEvent
	err   error
	n     *Notifier
}

// C delivers events; it is closed when the subscription ends.
func (s *Subscription) C() <-chan model.ChangeEvent { return s.ch }

// Err explains why C was closed: ErrLagged, or nil after Close.
func (s *Subscription) Err() error {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	return s.err
}

func (s *Subscription) Topic() Topic { return s.topic }

// Close stops delivery. Safe to call more than once.
func (s *Subscription) Close() {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	s.n.drop(s, nil)
}
