package authz

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

func TestRequireAccess(t *testing.T) {
	source := &fakeSource{permissions: map[int64][]Permission{
		42: {{ID: 1, Slug: "edit_post", Callback: "owner", Parameters: Template{Placeholder("post_id")}}},
	}}
	m := NewManager(source, Config{})
	m.AddCallback("owner", func(ctx context.Context, c Call) bool {
		return c.Arg(0) == "5"
	})

	router := mux.NewRouter()
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	router.Handle("/posts/{post_id}", NewMiddleware(m).RequireAccess("edit_post", RouteParams)(ok))

	tests := []struct {
		name string
		user *User
		path string
		want int
	}{
		{"guest", nil, "/posts/5", http.StatusUnauthorized},
		{"owner", &User{ID: 42}, "/posts/5", http.StatusNoContent},
		{"other post", &User{ID: 42}, "/posts/6", http.StatusForbidden},
		{"master", &User{ID: 1}, "/posts/6", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.user != nil {
				req = req.WithContext(WithUser(req.Context(), tt.user))
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRequireAccess_NoParams(t *testing.T) {
	m := NewManager(&fakeSource{}, Config{})
	h := NewMiddleware(m).RequireAccess("admin", nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithUser(req.Context(), &User{ID: 3}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUserFromContext(t *testing.T) {
	assert.Nil(t, UserFromContext(context.Background()))
	u := &User{ID: 5}
	assert.Same(t, u, UserFromContext(WithUser(context.Background(), u)))
}
