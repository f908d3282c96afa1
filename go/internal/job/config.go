package job

import "time"

type ExecutorConfig struct {
	// PollInterval bounds how long the executor sleeps when nothing is scheduled.
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxJobsPerProcess int           `yaml:"max_jobs_per_process"`
	// MinJobsPerProcess is the running count below which the executor polls for more.
	MinJobsPerProcess int           `yaml:"min_jobs_per_process"`
	JobLostInterval   time.Duration `yaml:"job_lost_interval"`
	// NotifyChannel is the Postgres channel new executions are announced on.
	NotifyChannel string `yaml:"notify_channel"`
}

func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		PollInterval:      5 * time.Second,
		MaxJobsPerProcess: 20,
		MinJobsPerProcess: 10,
		JobLostInterval:   180 * time.Second,
		NotifyChannel:     "job_execution",
	}
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	d := DefaultExecutorConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxJobsPerProcess <= 0 {
		c.MaxJobsPerProcess = d.MaxJobsPerProcess
	}
	if c.MinJobsPerProcess <= 0 || c.MinJobsPerProcess > c.MaxJobsPerProcess {
		c.MinJobsPerProcess = min(d.MinJobsPerProcess, c.MaxJobsPerProcess)
	}
	if c.JobLostInterval <= 0 {
		c.JobLostInterval = d.JobLostInterval
	}
	return c
}
