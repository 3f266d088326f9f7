package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/amiskov/ppid-edge/pkg/common"
	"github.com/amiskov/ppid-edge/pkg/logger"
	"github.com/amiskov/ppid-edge/pkg/middleware"
	"github.com/amiskov/ppid-edge/pkg/session"
	"github.com/amiskov/ppid-edge/pkg/user"
)

const maxLoginBody = 1 << 16

type (
	iService interface {
		LogIn(ctx context.Context, w http.ResponseWriter, username, password string) (*session.Session, error)
		LogOut(ctx context.Context, w http.ResponseWriter, accessToken string)
	}

	iHome interface {
		Home(s *session.Session) string
	}

	UserHandler struct {
		service  iService
		home     iHome
		validate *validator.Validate
		loginURL string
	}

	credentials struct {
		Username string `json:"username" validate:"required,min=4"`
		Password string `json:"password" validate:"required,min=4"`
	}

	sessionInfo struct {
		User          *user.User `json:"user"`
		Authenticated bool       `json:"authenticated"`
		Locale        string     `json:"locale"`
	}

	validationMsg struct {
		Message string            `json:"message"`
		Errors  map[string]string `json:"errors"`
	}
)

func NewUserHandler(s iService, home iHome) *UserHandler {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return &UserHandler{
		service:  s,
		home:     home,
		validate: v,
		loginURL: "/login",
	}
}

// LogIn accepts a form post or a JSON body. On success it answers with a
// redirect to the home of the user's tree.
func (uh UserHandler) LogIn(w http.ResponseWriter, r *http.Request) {
	creds, err := credentialsFromRequest(w, r)
	if err != nil {
		logger.Log(r.Context()).Infof("user: can't parse login request, %v", err)
		common.WriteMsg(w, "bad request format", http.StatusBadRequest)
		return
	}

	if err := uh.validate.Struct(creds); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			common.WriteMsg(w, "bad request format", http.StatusBadRequest)
			return
		}
		common.WriteRespJSON(w, validationMsg{
			Message: "invalid login form",
			Errors:  fieldMessages(verrs),
		}, http.StatusBadRequest)
		return
	}

	sess, err := uh.service.LogIn(r.Context(), w, creds.Username, creds.Password)
	if errors.Is(err, errLoginRejected) {
		common.WriteMsg(w, "login failed", http.StatusUnauthorized)
		return
	}
	if err != nil {
		common.WriteMsg(w, "user authentication failed", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, uh.home.Home(sess), http.StatusSeeOther)
}

func (uh UserHandler) LogOut(w http.ResponseWriter, r *http.Request) {
	uh.service.LogOut(r.Context(), w, session.Token(r.Context()))
	http.Redirect(w, r, uh.loginURL, http.StatusSeeOther)
}

// Session describes the request session without exposing any token.
func (uh UserHandler) Session(w http.ResponseWriter, r *http.Request) {
	info := sessionInfo{Locale: middleware.LocaleFromContext(r.Context())}
	if s, ok := session.FromContext(r.Context()); ok {
		info.User = s.User
		info.Authenticated = s.Authenticated()
	}
	w.Header().Set("Cache-Control", "no-store")
	common.WriteRespJSON(w, info, http.StatusOK)
}

func credentialsFromRequest(w http.ResponseWriter, r *http.Request) (*credentials, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxLoginBody)

	creds := new(credentials)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(creds); err != nil {
			return nil, fmt.Errorf("user/api: bad json body, %w", err)
		}
		return creds, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("user/api: bad form body, %w", err)
	}
	creds.Username = r.PostForm.Get("username")
	creds.Password = r.PostForm.Get("password")
	return creds, nil
}

func fieldMessages(verrs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			out[fe.Field()] = fmt.Sprintf("%s is required", fe.Field())
		case "min":
			out[fe.Field()] = fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
		default:
			out[fe.Field()] = fmt.Sprintf("%s is invalid", fe.Field())
		}
	}
	return out
}
