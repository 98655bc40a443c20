package ports

import "github.com/ghalamif/MerlinFlow/internal/domain"

type Observability interface {
	LogInfo(msg string, fields ...Field)
	LogError(msg string, err error, fields ...Field)
	LogCritical(msg string, err error, fields ...Field)

	IncCounter(name string, v float64)
	ObserveLatency(name string, seconds float64)

	SetGauge(name string, v float64)

	RecordFailure(unit domain.ExchangeUnit, phase domain.Phase, err error)
}

type Field struct {
	Key   string
	Value any
}

// NopObservability discards everything.
type NopObservability struct{}

func (NopObservability) LogInfo(string, ...Field)                               {}
func (NopObservability) LogError(string, error, ...Field)                       {}
func (NopObservability) LogCritical(string, error, ...Field)                    {}
func (NopObservability) IncCounter(string, float64)                             {}
func (NopObservability) ObserveLatency(string, float64)                         {}
func (NopObservability) SetGauge(string, float64)                               {}
func (NopObservability) RecordFailure(domain.ExchangeUnit, domain.Phase, error) {}

var _ Observability = NopObservability{}
