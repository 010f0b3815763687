package config

// ReloadJob re-reads the configuration file on a runner, then hands the
// result to Apply on the reactor goroutine. It implements threadengine.Job.
type ReloadJob struct {
	// Apply receives either the new configuration, or the error loading it.
	Apply func(cfg *Config, err error)
	cfg   *Config
	err   error
	Path  string
}

// Run loads the file. Called on a runner goroutine.
func (x *ReloadJob) Run() {
	x.cfg, x.err = Load(x.Path)
}

// Finish calls Apply. Called on the reactor goroutine.
func (x *ReloadJob) Finish() {
	if x.Apply != nil {
		x.Apply(x.cfg, x.err)
	}
}
