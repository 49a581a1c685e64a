package ports

// Metrics is the counter surface the services push into. The Prometheus
// collector implements it; tests use a no-op.
type Metrics interface {
	RoomCreated()
	RoomClosed()
	ClientJoined()
	ClientLeft()
	DominantSpeakerEvent()
	WorkerRespawn()
	SignalError(code string)
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) RoomCreated()            {}
func (NopMetrics) RoomClosed()             {}
func (NopMetrics) ClientJoined()           {}
func (NopMetrics) ClientLeft()             {}
func (NopMetrics) DominantSpeakerEvent()   {}
func (NopMetrics) WorkerRespawn()          {}
func (NopMetrics) SignalError(code string) {}
