package storage

import "log/slog"

// Option configures a repository driver. Options that only apply to one
// driver are no-ops on the other.
type Option interface {
	applyJSON(*JSONRepository)
	applyPostgres(*PostgresRepository)
}

type composedOption struct {
	json     func(*JSONRepository)
	postgres func(*PostgresRepository)
}

func (o composedOption) applyJSON(r *JSONRepository) {
	if o.json != nil {
		o.json(r)
	}
}

func (o composedOption) applyPostgres(r *PostgresRepository) {
	if o.postgres != nil {
		o.postgres(r)
	}
}

// WithRecentLimit overrides how many delivered events the repository keeps.
// Values below one fall back to DefaultRecentLimit.
func WithRecentLimit(limit int) Option {
	return composedOption{
		json: func(r *JSONRepository) {
			if limit > 0 {
				r.recentLimit = limit
			}
		},
		postgres: func(r *PostgresRepository) {
			if limit > 0 {
				r.recentLimit = limit
			}
		},
	}
}

// WithLogger attaches a structured logger to the driver.
func WithLogger(logger *slog.Logger) Option {
	return composedOption{
		json: func(r *JSONRepository) {
			if logger != nil {
				r.logger = logger
			}
		},
		postgres: func(r *PostgresRepository) {
			if logger != nil {
				r.logger = logger
			}
		},
	}
}
