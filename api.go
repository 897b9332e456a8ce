package canguard

import (
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
)

// APIServer is the read-only ops surface: engine status, recent alerts,
// learned baselines, traffic stats, Prometheus metrics and a live alert
// feed. It makes no per-frame decisions; detection stays in the engine.
type APIServer struct {
	app    *fiber.App
	engine *Engine
	hub    *AlertHub
}

func NewAPIServer(engine *Engine, hub *AlertHub, metrics *Metrics) *APIServer {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		AppName:               "canguard",
	})
	app.Use(recover.New())

	s := &APIServer{app: app, engine: engine, hub: hub}

	app.Get("/healthz", s.handleHealth)
	app.Get("/api/status", s.handleStatus)
	app.Get("/api/alerts", s.handleAlerts)
	app.Get("/api/baselines", s.handleBaselines)
	app.Get("/api/ranges", s.handleRanges)
	app.Get("/api/stats", s.handleStats)
	app.Get("/api/summary", s.handleSummary)

	if metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	}

	if hub != nil {
		app.Use("/ws", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
		app.Get("/ws/alerts", websocket.New(hub.Serve))
	}

	return s
}

func (s *APIServer) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *APIServer) handleStatus(c *fiber.Ctx) error {
	status := s.engine.Status()
	body := fiber.Map{"engine": status}
	if s.hub != nil {
		body["ws_clients"] = s.hub.ClientCount()
	}
	return c.JSON(body)
}

func (s *APIServer) handleAlerts(c *fiber.Ctx) error {
	ledger := s.engine.Ledger()
	if ledger == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no ledger configured"})
	}
	limit := c.QueryInt("limit", 50)
	alerts, err := ledger.RecentAlerts(limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"alerts": alerts})
}

func (s *APIServer) handleBaselines(c *fiber.Ctx) error {
	count, capacity := s.engine.Baselines().Occupancy()
	return c.JSON(fiber.Map{
		"count":    count,
		"capacity": capacity,
		"rejected": s.engine.Baselines().Rejected(),
		"profiles": s.engine.Baselines().Profiles(),
	})
}

func (s *APIServer) handleRanges(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"ranges": s.engine.firewall.Ranges()})
}

func (s *APIServer) handleStats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"identifiers": s.engine.Stats().Snapshot()})
}

func (s *APIServer) handleSummary(c *fiber.Ctx) error {
	ledger := s.engine.Ledger()
	if ledger == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no ledger configured"})
	}
	summary, err := ledger.Summary()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(summary)
}

// Listen blocks serving the API on addr.
func (s *APIServer) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown stops the server gracefully.
func (s *APIServer) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the underlying fiber app for tests.
func (s *APIServer) App() *fiber.App {
	return s.app
}
