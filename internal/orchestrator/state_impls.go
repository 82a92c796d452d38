package orchestrator

// InitializingState - allocating the run and its snapshot
type InitializingState struct{}

func (s *InitializingState) Name() string { return StageInitializing.String() }
func (s *InitializingState) Stage() Stage { return StageInitializing }
func (s *InitializingState) ToLocatingSurface() *LocatingSurfaceState {
	return &LocatingSurfaceState{}
}
func (s *InitializingState) ToFailed() *FailedState {
	return &FailedState{}
}
func (s *InitializingState) ToCancelled() *CancelledState {
	return &CancelledState{}
}

// LocatingSurfaceState - finding or opening the browsing surface
type LocatingSurfaceState struct{}

func (s *LocatingSurfaceState) Name() string { return StageLocatingSurface.String() }
func (s *LocatingSurfaceState) Stage() Stage { return StageLocatingSurface }
func (s *LocatingSurfaceState) ToAwaitingAuth() *AwaitingAuthState {
	return &AwaitingAuthState{}
}
func (s *LocatingSurfaceState) ToFailed() *FailedState {
	return &FailedState{}
}
func (s *LocatingSurfaceState) ToCancelled() *CancelledState {
	return &CancelledState{}
}

// AwaitingAuthState - checking the surface is logged in
type AwaitingAuthState struct{}

func (s *AwaitingAuthState) Name() string { return StageAwaitingAuth.String() }
func (s *AwaitingAuthState) Stage() Stage { return StageAwaitingAuth }
func (s *AwaitingAuthState) ToNavigating() *NavigatingState {
	return &NavigatingState{}
}
func (s *AwaitingAuthState) ToFailed() *FailedState {
	return &FailedState{}
}
func (s *AwaitingAuthState) ToCancelled() *CancelledState {
	return &CancelledState{}
}

// NavigatingState - moving to the listing section
type NavigatingState struct{}

func (s *NavigatingState) Name() string { return StageNavigating.String() }
func (s *NavigatingState) Stage() Stage { return StageNavigating }
func (s *NavigatingState) ToScraping() *ScrapingState {
	return &ScrapingState{}
}
func (s *NavigatingState) ToFailed() *FailedState {
	return &FailedState{}
}
func (s *NavigatingState) ToCancelled() *CancelledState {
	return &CancelledState{}
}

// ScrapingState - paging through listings
type ScrapingState struct{}

func (s *ScrapingState) Name() string { return StageScraping.String() }
func (s *ScrapingState) Stage() Stage { return StageScraping }
func (s *ScrapingState) ToVerifying() *VerifyingState {
	return &VerifyingState{}
}
func (s *ScrapingState) ToFailed() *FailedState {
	return &FailedState{}
}
func (s *ScrapingState) ToCancelled() *CancelledState {
	return &CancelledState{}
}

// VerifyingState - classifying candidates one at a time
type VerifyingState struct{}

func (s *VerifyingState) Name() string { return StageVerifying.String() }
func (s *VerifyingState) Stage() Stage { return StageVerifying }
func (s *VerifyingState) ToCompleted() *CompletedState {
	return &CompletedState{}
}
func (s *VerifyingState) ToFailed() *FailedState {
	return &FailedState{}
}
func (s *VerifyingState) ToCancelled() *CancelledState {
	return &CancelledState{}
}

// Terminal States

// CompletedState - scraping found candidates and all were checked
type CompletedState struct{}

func (s *CompletedState) Name() string { return StageCompleted.String() }
func (s *CompletedState) Stage() Stage { return StageCompleted }

// FailedState - the run hit a fatal condition
type FailedState struct{}

func (s *FailedState) Name() string { return StageFailed.String() }
func (s *FailedState) Stage() Stage { return StageFailed }

// CancelledState - cancellation was observed at a checkpoint
type CancelledState struct{}

func (s *CancelledState) Name() string { return StageCancelled.String() }
func (s *CancelledState) Stage() Stage { return StageCancelled }
