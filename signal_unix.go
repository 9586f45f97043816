//go:build unix

package kevent

import (
	"math"
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
)

// maxSignal is the largest signal number accepted by [FilterSignal].
const maxSignal = 64

// sigSource delivers one signal to every knote watching it. Sources are
// shared by all queues, and torn down with their last knote.
type sigSource struct {
	ch   chan os.Signal
	kl   Klist
	mu   sync.Mutex
	sig  unix.Signal
	refs int
}

var (
	sigMu      sync.Mutex
	sigSources = map[unix.Signal]*sigSource{}
)

func acquireSigSource(sig unix.Signal) *sigSource {
	sigMu.Lock()
	defer sigMu.Unlock()
	src := sigSources[sig]
	if src == nil {
		src = &sigSource{
			sig: sig,
			ch:  make(chan os.Signal, 16),
		}
		src.kl.Init(&src.mu)
		sigSources[sig] = src
		signal.Notify(src.ch, sig)
		go src.run()
	}
	src.refs++
	return src
}

func releaseSigSource(src *sigSource) {
	sigMu.Lock()
	defer sigMu.Unlock()
	src.refs--
	if src.refs != 0 {
		return
	}
	delete(sigSources, src.sig)
	signal.Stop(src.ch)
	close(src.ch)
}

func (src *sigSource) run() {
	for range src.ch {
		src.kl.Knote(NoteSignal | int64(src.sig))
	}
}

// sigFilter counts deliveries of the signal numbered by the ident. It does
// not change the disposition of the signal beyond what [signal.Notify]
// does, and [FlagClear] is always set.
type sigFilter struct{}

func (sigFilter) Flags() FilterFlags { return FilterMPSafe }

func (sigFilter) Attach(kn *Knote) error {
	if kn.kev.Ident == 0 || kn.kev.Ident > maxSignal {
		return ErrInvalidArgument
	}
	sig := unix.Signal(kn.kev.Ident)
	src := acquireSigSource(sig)
	kn.kev.Flags |= FlagClear
	kn.hook = src
	src.kl.Insert(kn)

	kn.q.logger.Trace().
		Str("category", "signal").
		Str("signal", unix.SignalName(sig)).
		Log("watching signal")
	return nil
}

func (sigFilter) Detach(kn *Knote) {
	src, ok := kn.hook.(*sigSource)
	if !ok {
		return
	}
	kn.hook = nil
	src.kl.Remove(kn)
	releaseSigSource(src)
}

func (sigFilter) Event(kn *Knote, hint int64) bool {
	if hint&NoteSignal != 0 && uint64(hint&^NoteSignal) == kn.kev.Ident && kn.kev.Data < math.MaxInt64 {
		kn.kev.Data++
	}
	return kn.kev.Data != 0
}
