package fakeapi

import (
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	"golang.org/x/crypto/bcrypt"

	"storefront/middleware"
	"storefront/models"
	"storefront/utils"
)

const minPasswordLength = 6

// AddUser registers an account directly and returns its id.
func (s *Server) AddUser(profile models.Profile, role models.Role) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(profile.Password), bcrypt.MinCost)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createAccount(profile, role, hash), nil
}

// ResetToken returns the pending password-reset token for email, if any.
func (s *Server) ResetToken(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid := s.byEmail[normalizeEmail(email)]
	for tok, id := range s.resetTokens {
		if id == uid {
			return tok
		}
	}
	return ""
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// createAccount must be called with s.mu held.
func (s *Server) createAccount(p models.Profile, role models.Role, hash []byte) string {
	u := models.User{
		ID:        newID(),
		FirstName: strings.TrimSpace(p.FirstName),
		LastName:  strings.TrimSpace(p.LastName),
		Email:     normalizeEmail(p.Email),
		Phone:     strings.TrimSpace(p.Phone),
		Role:      role,
	}
	s.accounts[u.ID] = &account{user: u, hash: hash}
	s.byEmail[u.Email] = u.ID
	return u.ID
}

func (s *Server) sessionResponse(w http.ResponseWriter, status int, u models.User, message string) {
	tok, err := middleware.IssueToken(s.secret, u.ID, string(u.Role), newID(), tokenTTL)
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}
	utils.SendResponse(w, status, utils.M{"token": tok, "user": u}, message)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var input struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := utils.DecodeJSON(r, &input); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid input")
		return
	}
	if strings.TrimSpace(input.Email) == "" || input.Password == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	s.mu.Lock()
	acc := s.accounts[s.byEmail[normalizeEmail(input.Email)]]
	var u models.User
	var hash []byte
	if acc != nil {
		u, hash = acc.user, acc.hash
	}
	s.mu.Unlock()

	if acc == nil || bcrypt.CompareHashAndPassword(hash, []byte(input.Password)) != nil {
		utils.RespondWithError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	s.sessionResponse(w, http.StatusOK, u, "Login successful")
}

func (s *Server) signup(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var p models.Profile
	if err := utils.DecodeJSON(r, &p); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid input")
		return
	}
	if missing := p.Missing(); len(missing) > 0 {
		utils.RespondWithError(w, http.StatusBadRequest, "Missing required fields: "+strings.Join(missing, ", "))
		return
	}
	if !strings.Contains(p.Email, "@") {
		utils.RespondWithError(w, http.StatusBadRequest, "Please provide a valid email address")
		return
	}
	if len(p.Password) < minPasswordLength {
		utils.RespondWithError(w, http.StatusBadRequest, "Password must be at least 6 characters")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(p.Password), bcrypt.MinCost)
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to hash password")
		return
	}

	s.mu.Lock()
	if _, exists := s.byEmail[normalizeEmail(p.Email)]; exists {
		s.mu.Unlock()
		utils.RespondWithError(w, http.StatusConflict, "An account with that email already exists")
		return
	}
	id := s.createAccount(p, models.RoleUser, hash)
	u := s.accounts[id].user
	s.mu.Unlock()

	s.sessionResponse(w, http.StatusCreated, u, "Account created")
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.mu.Lock()
	s.revoked[middleware.Token(r)] = true
	s.mu.Unlock()
	utils.SendResponse(w, http.StatusOK, nil, "Logged out")
}

func (s *Server) me(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.mu.Lock()
	acc := s.accounts[middleware.UserID(r)]
	var u models.User
	if acc != nil {
		u = acc.user
	}
	s.mu.Unlock()

	if acc == nil {
		utils.RespondWithError(w, http.StatusUnauthorized, "User no longer exists")
		return
	}
	utils.SendResponse(w, http.StatusOK, utils.M{"user": u}, "")
}

func (s *Server) forgotPassword(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var input struct {
		Email string `json:"email"`
	}
	if err := utils.DecodeJSON(r, &input); err != nil || strings.TrimSpace(input.Email) == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "Email is required")
		return
	}

	s.mu.Lock()
	if uid, ok := s.byEmail[normalizeEmail(input.Email)]; ok {
		s.resetTokens[newID()] = uid
	}
	s.mu.Unlock()

	// same answer whether or not the account exists
	utils.SendResponse(w, http.StatusOK, nil, "If that email is registered, a reset link has been sent")
}

func (s *Server) resetPassword(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var input struct {
		Password string `json:"password"`
	}
	if err := utils.DecodeJSON(r, &input); err != nil || len(input.Password) < minPasswordLength {
		utils.RespondWithError(w, http.StatusBadRequest, "Password must be at least 6 characters")
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.MinCost)
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to hash password")
		return
	}

	s.mu.Lock()
	uid, ok := s.resetTokens[ps.ByName("token")]
	acc := s.accounts[uid]
	if !ok || acc == nil {
		s.mu.Unlock()
		utils.RespondWithError(w, http.StatusBadRequest, "Reset link is invalid or has expired")
		return
	}
	delete(s.resetTokens, ps.ByName("token"))
	acc.hash = hash
	u := acc.user
	s.mu.Unlock()

	s.sessionResponse(w, http.StatusOK, u, "Password reset")
}

func (s *Server) updatePassword(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var input struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := utils.DecodeJSON(r, &input); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid input")
		return
	}
	if len(input.NewPassword) < minPasswordLength {
		utils.RespondWithError(w, http.StatusBadRequest, "Password must be at least 6 characters")
		return
	}

	s.mu.Lock()
	acc := s.accounts[middleware.UserID(r)]
	if acc == nil {
		s.mu.Unlock()
		utils.RespondWithError(w, http.StatusUnauthorized, "User no longer exists")
		return
	}
	current := acc.hash
	s.mu.Unlock()

	// a wrong current password is a validation failure, not a session failure
	if bcrypt.CompareHashAndPassword(current, []byte(input.CurrentPassword)) != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Current password is incorrect")
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(input.NewPassword), bcrypt.MinCost)
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to hash password")
		return
	}

	s.mu.Lock()
	acc.hash = hash
	s.revoked[middleware.Token(r)] = true
	u := acc.user
	s.mu.Unlock()

	s.sessionResponse(w, http.StatusOK, u, "Password updated")
}
