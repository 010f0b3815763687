package threadengine

// Job is a unit of deferrable work.
//
// Run is called exactly once, on a runner goroutine, and must not touch state
// owned by the reactor. Any result must be stored on the job itself.
//
// Finish is called exactly once, on the reactor goroutine, strictly after Run
// has returned. It may touch reactor-owned state, and may call
// [Engine.Submit].
//
// A job must not be submitted again until its Finish has been called. The
// engine holds no reference to a job after calling Finish.
type Job interface {
	Run()
	Finish()
}

// PanicHandler may be implemented by a [Job] that wants to observe a panic
// recovered from its Run method. RunPanicked is called on the runner
// goroutine, after Run and before Finish.
type PanicHandler interface {
	RunPanicked(err *PanicError)
}

// NewJob adapts a pair of functions to a [Job]. Either may be nil.
func NewJob(run, finish func()) Job {
	return &funcJob{run: run, finish: finish}
}

type funcJob struct {
	run    func()
	finish func()
}

func (x *funcJob) Run() {
	if x.run != nil {
		x.run()
	}
}

func (x *funcJob) Finish() {
	if x.finish != nil {
		x.finish()
	}
}
