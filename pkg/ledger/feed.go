package ledger

import (
	"github.com/hannahhoward/go-pubsub"
	"golang.org/x/xerrors"

	"github.com/LICODX/chunkproof/pkg/core"
	"github.com/LICODX/chunkproof/pkg/logging"
)

type OutcomeSubscriber func(core.ChallengeOutcome)

// OutcomeFeed is what the credit ledger consumes: outcomes are journaled, then
// pushed to in-process subscribers. Remote consumers poll Since.
type OutcomeFeed struct {
	journal *OutcomeJournal
	ps      *pubsub.PubSub
	log     *logging.StructuredLogger
}

func NewOutcomeFeed(journal *OutcomeJournal, log *logging.StructuredLogger) *OutcomeFeed {
	if log == nil {
		log = logging.Component("outcomes")
	}
	ps := pubsub.New(func(event pubsub.Event, subFn pubsub.SubscriberFn) error {
		evt, ok := event.(core.ChallengeOutcome)
		if !ok {
			return xerrors.Errorf("wrong type of event")
		}
		sub, ok := subFn.(OutcomeSubscriber)
		if !ok {
			return xerrors.Errorf("wrong type of subscriber")
		}
		sub(evt)
		return nil
	})
	return &OutcomeFeed{journal: journal, ps: ps, log: log}
}

// Publish journals o and notifies subscribers with the sequenced entry.
func (f *OutcomeFeed) Publish(o core.ChallengeOutcome) (core.ChallengeOutcome, error) {
	entry, err := f.journal.Append(o)
	if err != nil {
		return o, err
	}
	if err := f.ps.Publish(entry); err != nil {
		f.log.ErrorWithFields("unexpected error publishing outcome", map[string]interface{}{
			"seq":   entry.Seq,
			"error": err,
		})
	}
	return entry, nil
}

func (f *OutcomeFeed) Subscribe(fn OutcomeSubscriber) pubsub.Unsubscribe {
	return f.ps.Subscribe(fn)
}

func (f *OutcomeFeed) Since(seq uint64, limit int) ([]core.ChallengeOutcome, error) {
	return f.journal.Since(seq, limit)
}

func (f *OutcomeFeed) Head() uint64 {
	return f.journal.Head()
}

func (f *OutcomeFeed) Verify() (int, error) {
	return f.journal.Verify()
}
