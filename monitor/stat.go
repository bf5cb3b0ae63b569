package monitor

import "expvar"

type Stat struct {
	Queued  expvar.Int
	Sent    expvar.Int
	Retried expvar.Int
}
