package alerts

import (
	"context"
	"encoding/json"
	"os"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/tipfolio-app/tipfolio/internal/db"
	"github.com/tipfolio-app/tipfolio/internal/logging"
)

var (
	client *asynq.Client
	server *asynq.Server

	logger = logging.NewLoggerWithService("tipfolio")
)

// Init starts the Asynq server and initializes a shared client.
func Init() {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		// Prefer docker hostname, fallback to localhost
		if host := os.Getenv("REDIS_HOST"); host != "" {
			port := os.Getenv("REDIS_PORT")
			if port == "" {
				port = "6379"
			}
			redisAddr = host + ":" + port
		} else {
			// Default to docker-compose service name if running in container; otherwise localhost
			redisAddr = "redis:6379"
			if os.Getenv("RUN_LOCAL") == "true" {
				redisAddr = "127.0.0.1:6379"
			}
		}
	}

	opts := asynq.RedisClientOpt{Addr: redisAddr}
	client = asynq.NewClient(opts)

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskNotify, handleNotify)
	mux.HandleFunc(TaskAwardXP, handleAwardXP)

	server = asynq.NewServer(opts, asynq.Config{
		Concurrency: 5,
		Queues: map[string]int{
			"notify": 10,
			"xp":     5,
		},
	})
	go func() {
		if err := server.Run(mux); err != nil {
			logger.WithError(err).Warn("Asynq server stopped")
		}
	}()

	logger.WithField("addr", redisAddr).Info("Asynq initialized")
}

// Close releases client and stops server.
func Close() {
	if client != nil {
		_ = client.Close()
	}
	if server != nil {
		server.Shutdown()
	}
}

// handleNotify persists one notification row per target user.
func handleNotify(ctx context.Context, t *asynq.Task) error {
	var p NotifyPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return err
	}

	var reference any
	if p.Reference != "" {
		reference = p.Reference
	}
	for _, userID := range p.UserIDs {
		_, err := db.Conn.Exec(ctx,
			`INSERT INTO notifications (id, user_id, type, title, body, reference)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.New().String(), userID, p.Kind, p.Title, p.Body, reference,
		)
		if err != nil {
			logger.WithError(err).WithFields(logging.Fields{
				"user_id": userID,
				"kind":    p.Kind,
			}).Error("Failed to store notification")
			return err
		}
	}

	logger.WithFields(logging.Fields{
		"kind":  p.Kind,
		"users": len(p.UserIDs),
	}).Debug("Notifications stored")
	return nil
}

// handleAwardXP records engagement points. XP is advisory and never blocks
// money movement, so failures are logged and the task retried by asynq.
func handleAwardXP(ctx context.Context, t *asynq.Task) error {
	var p XPAwardPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return err
	}

	points := xpForAction(p.ActionKind)
	if points == 0 {
		return nil
	}

	_, err := db.Conn.Exec(ctx,
		`INSERT INTO user_xp (user_id, points)
		 VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET points = user_xp.points + $2, updated_at = NOW()`,
		p.UserID, points,
	)
	if err != nil {
		logger.WithError(err).WithField("user_id", p.UserID).Error("Failed to award XP")
		return err
	}

	logger.WithFields(logging.Fields{
		"user_id": p.UserID,
		"action":  p.ActionKind,
		"points":  points,
	}).Debug("XP awarded")
	return nil
}

func xpForAction(kind string) int {
	switch kind {
	case "purchase":
		return 5
	case "subscription":
		return 10
	case "sale":
		return 15
	default:
		return 0
	}
}
