package handler

import (
	"context"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/utils"
)

const probeTimeout = 2 * time.Second

// HealthProbe checks one dependency. A nil error means healthy.
type HealthProbe func(ctx context.Context) error

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Service     string            `json:"service"`
	Environment string            `json:"environment"`
	Questions   int               `json:"questions"`
	Languages   []string          `json:"languages,omitempty"`
	Checks      map[string]string `json:"checks,omitempty"`
}

// HealthInfo describes the static parts of the health payload.
type HealthInfo struct {
	Questions func() int
	Languages []string
	Probes    map[string]HealthProbe
}

// HealthCheck returns a handler that reports application health. Any failing probe turns the
// status into degraded with HTTP 503.
func HealthCheck(cfg config.Config, info HealthInfo) fiber.Handler {
	languages := append([]string(nil), info.Languages...)
	sort.Strings(languages)

	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
			Languages:   languages,
		}
		if info.Questions != nil {
			payload.Questions = info.Questions()
		}

		if len(info.Probes) > 0 {
			payload.Checks = runProbes(c.UserContext(), info.Probes)
			for _, state := range payload.Checks {
				if state != "ok" {
					payload.Status = "degraded"
				}
			}
		}

		if payload.Status != "ok" {
			return c.Status(fiber.StatusServiceUnavailable).JSON(utils.APIResponse{
				Success: false,
				Data:    payload,
				Message: "service degraded",
				Code:    "degraded",
			})
		}
		return utils.SendSuccess(c, "service healthy", payload)
	}
}

func runProbes(parent context.Context, probes map[string]HealthProbe) map[string]string {
	ctx, cancel := context.WithTimeout(parent, probeTimeout)
	defer cancel()

	names := make([]string, 0, len(probes))
	for name := range probes {
		names = append(names, name)
	}
	results := make([]string, len(names))

	var group errgroup.Group
	for i, name := range names {
		probe := probes[name]
		group.Go(func() error {
			results[i] = "ok"
			if err := probe(ctx); err != nil {
				results[i] = err.Error()
			}
			return nil
		})
	}
	_ = group.Wait()

	checks := make(map[string]string, len(names))
	for i, name := range names {
		checks[name] = results[i]
	}
	return checks
}
