package bmft

import "bmft/internal/constants"

// Re-exported tunables for the public API (spec.md §3, §4.2, §9).
const (
	SQCQDepth                    = constants.SQCQDepth
	MRMaxNum                     = constants.MRMaxNum
	WaitQpReadyBase              = constants.WaitQpReadyBase
	WaitQpReadyPerRank           = constants.WaitQpReadyPerRank
	NotifyWaitTimeout            = constants.NotifyWaitTimeout
	BatchConnectWidth            = constants.BatchConnectWidth
	DefaultRendezvousDialTimeout = constants.DefaultRendezvousDialTimeout
	AutoAssignRankID             = constants.AutoAssignRankID
	NotifyWordSize               = constants.NotifyWordSize
)
