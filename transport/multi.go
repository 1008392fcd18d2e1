package transport

import "github.com/agentlanes/agentlanes/engine"

// Multi fans one event stream out to several sinks in order. Nil sinks are
// dropped at construction.
func Multi(sinks ...engine.EventSink) engine.EventSink {
	kept := make([]engine.EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return multiSink(kept)
}

type multiSink []engine.EventSink

func (m multiSink) Emit(ev engine.Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}
