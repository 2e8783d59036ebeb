package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/crypto/bcrypt"

	"github.com/huddle-chat/huddle/internal/api"
	"github.com/huddle-chat/huddle/internal/config"
	"github.com/huddle-chat/huddle/internal/models"
	"github.com/huddle-chat/huddle/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DataFile), 0o755); err != nil {
		log.Fatalf("data dir: %v", err)
	}

	st, err := store.Open(cfg.DataFile)
	if err != nil {
		log.Fatalf("store: %v", err)
	}

	if err := seedAdmin(st, cfg.SeedAdmin); err != nil {
		log.Fatalf("seed admin: %v", err)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: api.NewRouter(st, cfg.Environment),
	}

	go func() {
		log.Printf("Huddle starting on port %s (data: %s)", cfg.Port, cfg.DataFile)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

// seedAdmin creates the configured admin account when the store has no users
// yet, so a fresh deployment has a way in.
func seedAdmin(st *store.Store, seed config.SeedAdmin) error {
	if seed.Email == "" {
		return nil
	}
	if len(st.Snapshot().Users) > 0 {
		return nil
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(seed.Password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	user, err := st.CreateUser(models.User{
		Name:     seed.Name,
		Email:    seed.Email,
		Password: string(hashed),
		Role:     models.RoleAdmin,
		Status:   models.StatusOffline,
	})
	if err != nil {
		return err
	}

	log.Printf("seeded admin user %s (%s)", user.Email, user.ID)
	return nil
}
