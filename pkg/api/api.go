// Package api implements the external interfaces spec.md §6 describes: task
// submission and query, step query, manual operations, and the DLQ
// operator surface, fronted by a go-chi/chi/v5 router with go-chi/cors and
// go-playground/validator/v10 request validation.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	kubecors "github.com/jordigilh/kubernaut/pkg/http/cors"
	"github.com/jordigilh/kubernaut/pkg/api/permission"
	"github.com/jordigilh/kubernaut/pkg/task"
)

// TaskSubmitter is the submission seam (spec.md §4.2).
type TaskSubmitter interface {
	InitializeTask(ctx context.Context, sub task.Submission) (*task.Result, error)
}

// Server wires every handler group onto one chi.Router.
type Server struct {
	router        chi.Router
	submitter     TaskSubmitter
	query         QueryReader
	manual        ManualOps
	dlq           DLQReader
	authenticator Authenticator
	validate      *validator.Validate
	logger        *logrus.Logger
}

// Config bundles everything Server needs.
type Config struct {
	Submitter     TaskSubmitter
	Query         QueryReader
	Manual        ManualOps
	DLQ           DLQReader
	Authenticator Authenticator
	CORS          *kubecors.Options
	Logger        *logrus.Logger
}

// NewServer builds the router and registers every route.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	cors := cfg.CORS
	if cors == nil {
		cors = kubecors.FromEnvironment()
	}

	s := &Server{
		submitter:     cfg.Submitter,
		query:         cfg.Query,
		manual:        cfg.Manual,
		dlq:           cfg.DLQ,
		authenticator: cfg.Authenticator,
		validate:      validator.New(),
		logger:        logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(kubecors.Handler(cors))

	r.Route("/api/v1", func(api chi.Router) {
		api.Route("/tasks", func(tasks chi.Router) {
			tasks.Post("/", s.requireScope(permission.TasksWrite, s.handleSubmitTask))
			tasks.Get("/", s.requireScope(permission.TasksRead, s.handleListTasks))
			tasks.Get("/{taskID}", s.requireScope(permission.TasksRead, s.handleGetTask))
			tasks.Get("/{taskID}/history", s.requireScope(permission.TasksRead, s.handleTaskHistory))
			tasks.Post("/{taskID}/cancel", s.requireScope(permission.TasksCancel, s.handleCancelTask))

			tasks.Get("/{taskID}/steps", s.requireScope(permission.StepsRead, s.handleListSteps))
			tasks.Get("/{taskID}/steps/{stepID}", s.requireScope(permission.StepsRead, s.handleGetStep))
			tasks.Get("/{taskID}/steps/{stepID}/history", s.requireScope(permission.StepsRead, s.handleStepHistory))
			tasks.Post("/{taskID}/steps/{stepID}/reset", s.requireScope(permission.StepsWrite, s.handleResetStep))
			tasks.Post("/{taskID}/steps/{stepID}/resolve", s.requireScope(permission.StepsWrite, s.handleResolveStep))
			tasks.Post("/{taskID}/steps/{stepID}/complete", s.requireScope(permission.StepsWrite, s.handleCompleteStep))
		})

		api.Route("/dlq", func(dlq chi.Router) {
			dlq.Get("/", s.requireScope(permission.DLQRead, s.handleListDLQ))
			dlq.Get("/stats", s.requireScope(permission.DLQStats, s.handleDLQStats))
			dlq.Get("/investigation-queue", s.requireScope(permission.DLQRead, s.handleDLQInvestigationQueue))
			dlq.Get("/staleness", s.requireScope(permission.DLQRead, s.handleDLQStaleness))
			dlq.Get("/tasks/{taskID}", s.requireScope(permission.DLQRead, s.handleDLQFindByTask))
			dlq.Patch("/{entryID}", s.requireScope(permission.DLQUpdate, s.handleDLQUpdateInvestigation))
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	s.router = r
	return s
}

// ServeHTTP lets Server itself be passed directly to http.ListenAndServe.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func requestLogger(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"request_id": middleware.GetReqID(r.Context()),
			}).Debug("api request")
			next.ServeHTTP(w, r)
		})
	}
}
