package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"realquest/internal/engine"
	"realquest/internal/engine/auth"
	"realquest/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// CORSOrigins enables CORS for the listed browser origins.
	CORSOrigins []string
	// StaticDir serves the browser front-end from this directory when set.
	StaticDir string
	Logger    *log.Logger
}

// apiError is the error envelope of every failed call.
type apiError struct {
	status  int
	Success bool           `json:"success"`
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

// New returns an HTTP handler exposing the Real Quest API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	errs := errorMapper{logger: cfg.Logger}
	if errs.logger == nil {
		errs.logger = log.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	if !cfg.Auth.Tokens.Enabled() {
		cfg.Auth.Tokens = cfg.Engine.Auth
	}
	if cfg.Auth.Require && !cfg.Auth.Tokens.Enabled() {
		return nil, errors.New("auth required but no jwt secret configured")
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema/request validation errors are 400 bad_request.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Real Quest API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAccounts(group, cfg.Engine, errs)
	registerUsers(group, cfg.Engine, errs)
	registerTasks(group, cfg.Engine, errs)
	registerShop(group, cfg.Engine, errs)
	registerOpenAPI(router, api, basePath)
	if cfg.StaticDir != "" {
		router.Handle("/*", http.FileServer(http.Dir(cfg.StaticDir)))
	}

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// errorMapper turns engine errors into API errors, logging the unexpected ones.
type errorMapper struct {
	logger *log.Logger
}

func (m errorMapper) handle(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"userId": fe.UserID})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrInsufficientFunds):
		return newAPIError(http.StatusPaymentRequired, "insufficient_funds", "not enough coins", nil)
	case errors.Is(err, engine.ErrPseudoTaken):
		return newAPIError(http.StatusConflict, "pseudo_taken", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidCredentials):
		return newAPIError(http.StatusUnauthorized, "invalid_credentials", err.Error(), nil)
	case errors.Is(err, engine.ErrStorageUnavailable):
		m.logger.Printf("server: %v", err)
		return newAPIError(http.StatusServiceUnavailable, "storage_unavailable", "storage unavailable, try again", nil)
	default:
		m.logger.Printf("server: %v", err)
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	public := map[string]bool{
		path.Join(basePath, "health"): true,
		path.Join(basePath, "signup"): true,
		path.Join(basePath, "login"):  true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Post} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Real Quest API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Signup and login return a token; send it as Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Success: true, Status: "ok"}}, nil
	})
}

func registerAccounts(api huma.API, e engine.Engine, errs errorMapper) {
	huma.Register(api, huma.Operation{
		OperationID: "signup",
		Method:      http.MethodPost,
		Path:        "/signup",
		Summary:     "Create an account",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body SignupRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		sess, err := e.Signup(ctx, engine.SignupOptions{
			Pseudo:   input.Body.Pseudo,
			Password: input.Body.Password,
			Infos:    input.Body.Infos,
		})
		if err != nil {
			return nil, errs.handle(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(sess)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/login",
		Summary:     "Log in",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		sess, err := e.Login(ctx, input.Body.Pseudo, input.Body.Password)
		if err != nil {
			return nil, errs.handle(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(sess)}, nil
	})
}

func sessionResponse(s engine.Session) SessionResponse {
	return SessionResponse{Success: true, UserID: s.UserID, Pseudo: s.Pseudo, Token: s.Token}
}

func registerUsers(api huma.API, e engine.Engine, errs errorMapper) {
	huma.Register(api, huma.Operation{
		OperationID: "get-user",
		Method:      http.MethodGet,
		Path:        "/user/{id}",
		Summary:     "Full user record",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		if err := authorizeUser(ctx, input.ID); err != nil {
			return nil, errs.handle(err)
		}
		u, err := e.User(ctx, input.ID)
		if err != nil {
			return nil, errs.handle(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: UserResponse{Success: true, User: u}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-user-events",
		Method:      http.MethodGet,
		Path:        "/user/{id}/events",
		Summary:     "Recent outcome events of a user",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		if err := authorizeUser(ctx, input.ID); err != nil {
			return nil, errs.handle(err)
		}
		items, err := e.UserEvents(ctx, input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, errs.handle(err)
		}
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: EventsResponse{Success: true, Events: mapEvents(items)}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine, errs errorMapper) {
	huma.Register(api, huma.Operation{
		OperationID: "create-task",
		Method:      http.MethodPost,
		Path:        "/create-task",
		Summary:     "Create a task",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body CreateTaskResponse `json:"body"`
	}, error) {
		if err := authorizeUser(ctx, input.Body.UserID); err != nil {
			return nil, errs.handle(err)
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			UserID:     input.Body.UserID,
			Name:       input.Body.Name,
			Type:       input.Body.Type,
			Difficulty: input.Body.Difficulty,
			MalusLevel: input.Body.MalusLevel,
			Deadline:   input.Body.Deadline,
		})
		if err != nil {
			return nil, errs.handle(err)
		}
		return &struct {
			Body CreateTaskResponse `json:"body"`
		}{Body: CreateTaskResponse{Success: true, TaskID: t.ID, Task: t}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/complete-task",
		Summary:     "Complete a task and collect its reward",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body ResolveTaskRequest `json:"body"`
	}) (*struct {
		Body CompleteTaskResponse `json:"body"`
	}, error) {
		if err := authorizeUser(ctx, input.Body.UserID); err != nil {
			return nil, errs.handle(err)
		}
		res, err := e.Complete(ctx, input.Body.UserID, input.Body.TaskID)
		if err != nil {
			return nil, errs.handle(err)
		}
		return &struct {
			Body CompleteTaskResponse `json:"body"`
		}{Body: CompleteTaskResponse{
			Success:    true,
			Coins:      res.Outcome.CoinGain,
			XP:         res.Outcome.XPGain,
			Ruby:       res.Outcome.RubyDropped,
			LevelUp:    res.Outcome.LeveledUp,
			Streak:     res.Outcome.Streak,
			Multiplier: res.Outcome.Multiplier,
			Stats:      res.Stats,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-task",
		Method:      http.MethodPost,
		Path:        "/fail-task",
		Summary:     "Fail a task and take its penalty",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body ResolveTaskRequest `json:"body"`
	}) (*struct {
		Body FailTaskResponse `json:"body"`
	}, error) {
		if err := authorizeUser(ctx, input.Body.UserID); err != nil {
			return nil, errs.handle(err)
		}
		res, err := e.Fail(ctx, input.Body.UserID, input.Body.TaskID)
		if err != nil {
			return nil, errs.handle(err)
		}
		return &struct {
			Body FailTaskResponse `json:"body"`
		}{Body: FailTaskResponse{
			Success:    true,
			Message:    res.Message,
			Damage:     res.Outcome.Damage,
			Died:       res.Outcome.Died,
			LevelsLost: res.Outcome.LevelsLost,
			Stats:      res.Stats,
		}}, nil
	})
}

func registerShop(api huma.API, e engine.Engine, errs errorMapper) {
	huma.Register(api, huma.Operation{
		OperationID: "create-shop-item",
		Method:      http.MethodPost,
		Path:        "/create-shop-item",
		Summary:     "Add a reward to the user's shop",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateShopItemRequest `json:"body"`
	}) (*struct {
		Body CreateShopItemResponse `json:"body"`
	}, error) {
		if err := authorizeUser(ctx, input.Body.UserID); err != nil {
			return nil, errs.handle(err)
		}
		it, err := e.CreateShopItem(ctx, input.Body.UserID, input.Body.Name, input.Body.Price)
		if err != nil {
			return nil, errs.handle(err)
		}
		return &struct {
			Body CreateShopItemResponse `json:"body"`
		}{Body: CreateShopItemResponse{Success: true, ItemID: it.ID, Item: it, Message: "Added!"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "buy",
		Method:      http.MethodPost,
		Path:        "/buy",
		Summary:     "Buy a shop item or a potion",
		Errors:      []int{http.StatusBadRequest, http.StatusPaymentRequired, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body BuyRequest `json:"body"`
	}) (*struct {
		Body BuyResponse `json:"body"`
	}, error) {
		if err := authorizeUser(ctx, input.Body.UserID); err != nil {
			return nil, errs.handle(err)
		}
		res, err := e.Buy(ctx, engine.BuyOptions{
			UserID:   input.Body.UserID,
			ItemID:   input.Body.ItemID,
			ItemName: input.Body.ItemName,
			Price:    input.Body.Price,
			IsPotion: input.Body.IsPotion,
		})
		if err != nil {
			return nil, errs.handle(err)
		}
		return &struct {
			Body BuyResponse `json:"body"`
		}{Body: BuyResponse{
			Success: true,
			Message: res.Message,
			Item:    res.ItemName,
			Price:   res.Price,
			Coins:   res.Stats.Coins,
			HP:      res.Stats.HP,
			Stats:   res.Stats,
		}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
