package store

import (
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/gatekeeper"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/ledger"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/outbox"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/recovery"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/statemachine"
)

var (
	_ statemachine.HistoryStore  = (*Memory)(nil)
	_ statemachine.TransitionLog = (*Memory)(nil)
	_ ledger.Store               = (*Memory)(nil)
	_ outbox.Store               = (*Memory)(nil)
	_ gatekeeper.Store           = (*Memory)(nil)
	_ recovery.DeadLetterStore   = (*Memory)(nil)
	_ recovery.CheckpointStore   = (*Memory)(nil)
	_ recovery.CheckpointIndex   = (*Memory)(nil)

	_ statemachine.HistoryStore  = (*SQL)(nil)
	_ statemachine.TransitionLog = (*SQL)(nil)
	_ ledger.Store               = (*SQL)(nil)
	_ outbox.Store               = (*SQL)(nil)
	_ gatekeeper.Store           = (*SQL)(nil)
	_ recovery.DeadLetterStore   = (*SQL)(nil)
	_ recovery.CheckpointStore   = (*SQL)(nil)
	_ recovery.CheckpointIndex   = (*SQL)(nil)
)
