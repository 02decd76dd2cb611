package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// BrokerStatus is the slice of the transport client health checks need.
type BrokerStatus interface {
	Connected() bool
}

type Status struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Database bool   `json:"database,omitempty"`
	Broker   bool   `json:"broker,omitempty"`
}

// HTTPHandler reports service health. Either dependency may be nil when the
// service does not use it.
func HTTPHandler(pool *pgxpool.Pool, broker BrokerStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok"}

		if pool != nil {
			st.Database = true
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			if err := pool.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "db ping failed"
				st.Database = false
			}
		}

		if broker != nil {
			st.Broker = broker.Connected()
			if !st.Broker {
				st.OK = false
				st.Message = "broker disconnected"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
