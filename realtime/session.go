package realtime

import (
	"errors"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Session owns the auth token and the per-tab identity. It is created once
// per process and destroyed on logout. The connection manager and the
// synchronizers hold a reference and re-check IsAuthenticated at every
// decision point, since the session can be logged out while work is pending.
type Session struct {
	mutex sync.Mutex

	byJwt         string
	tabId         Id
	userId        string
	expiresAt     time.Time
	authenticated bool

	logoutCallbacks *CallbackList[func(reason string)]
}

func NewSession() *Session {
	return &Session{
		tabId:           NewId(),
		logoutCallbacks: NewCallbackList[func(reason string)](),
	}
}

// parses the user id and expiry out of the bearer token without verifying
// the signature. Verification is the server's job; the client only needs
// the claims to label its own messages.
func (self *Session) SetByJwt(byJwt string) error {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwt, gojwt.MapClaims{})
	if err != nil {
		return err
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return errors.New("missing claims")
	}

	userId := ""
	if userIdStr, ok := claims["user_id"]; ok {
		userId, _ = userIdStr.(string)
	}
	if userId == "" {
		// some token issuers use the standard subject claim
		if sub, ok := claims["sub"]; ok {
			userId, _ = sub.(string)
		}
	}
	if userId == "" {
		return errors.New("token missing user id")
	}

	expiresAt := time.Time{}
	if expValue, ok := claims["exp"]; ok {
		if exp, ok := expValue.(float64); ok {
			expiresAt = time.Unix(int64(exp), 0)
		}
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.byJwt = byJwt
	self.userId = userId
	self.expiresAt = expiresAt
	self.authenticated = true
	return nil
}

func (self *Session) ByJwt() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.byJwt
}

func (self *Session) TabId() Id {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.tabId
}

func (self *Session) UserId() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.userId
}

func (self *Session) IsAuthenticated() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if !self.authenticated {
		return false
	}
	if !self.expiresAt.IsZero() && !time.Now().Before(self.expiresAt) {
		return false
	}
	return true
}

func (self *Session) AddLogoutCallback(callback func(reason string)) func() {
	return self.logoutCallbacks.Add(callback)
}

// idempotent. The first call clears the token and fires the logout
// callbacks; later calls are no-ops.
func (self *Session) Logout(reason string) {
	self.mutex.Lock()
	if !self.authenticated {
		self.mutex.Unlock()
		return
	}
	self.authenticated = false
	self.byJwt = ""
	self.userId = ""
	self.expiresAt = time.Time{}
	self.mutex.Unlock()

	for _, callback := range self.logoutCallbacks.Get() {
		callback(reason)
	}
}
