package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"gorm.io/gorm"

	"github.com/finreport/finreport/app/models"
	"github.com/finreport/finreport/app/repository"
	"github.com/finreport/finreport/internal/pkg/database"
	"github.com/finreport/finreport/internal/pkg/env"
)

// apikey issues or revokes the API key of a user, creating the user on first use.
func main() {
	email := flag.String("email", "", "user email (required)")
	name := flag.String("name", "", "display name for new users")
	role := flag.String("role", models.ROLE_USER, "role for new users (user or admin)")
	revoke := flag.Bool("revoke", false, "revoke the key instead of issuing a new one")
	flag.Parse()

	if strings.TrimSpace(*email) == "" {
		flag.Usage()
		os.Exit(2)
	}

	env.SetupEnvFile()
	database.SetupDatabase()
	users := repository.NewUserRepository(database.GetDB())

	user, err := users.GetByEmail(strings.TrimSpace(*email))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if *revoke {
			log.Fatalf("No user with email %s", *email)
		}
		user = &models.User{
			Name:   strings.TrimSpace(*name),
			Email:  strings.TrimSpace(*email),
			Role:   *role,
			Status: models.STATUS_ACTIVE,
		}
		if user.Name == "" {
			user.Name = user.Email
		}
		if err := user.Validate(); err != nil {
			log.Fatalf("Invalid user: %v", err)
		}
		if err := users.Create(user); err != nil {
			log.Fatalf("Failed to create user: %v", err)
		}
		log.Printf("Created %s user %s (id %d)", user.Role, user.Email, user.ID)
	} else if err != nil {
		log.Fatalf("Failed to load user: %v", err)
	}

	if *revoke {
		user.RevokeAPIKey()
		if err := users.Update(user); err != nil {
			log.Fatalf("Failed to revoke key: %v", err)
		}
		log.Printf("Revoked API key of %s", user.Email)
		return
	}

	key, err := user.IssueAPIKey()
	if err != nil {
		log.Fatalf("Failed to generate key: %v", err)
	}
	if err := users.Update(user); err != nil {
		log.Fatalf("Failed to store key: %v", err)
	}
	fmt.Println(key)
}
