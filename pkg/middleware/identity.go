package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// UserIDHeader carries the caller identity, set by the edge after
	// authentication. This service trusts it.
	UserIDHeader = "X-User-ID"
	// UserIDKey is the gin context key for the parsed identity
	UserIDKey = "user_id"
)

// Identity extracts the authenticated user ID from the request and
// aborts with 401 when it is missing or malformed.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		value := c.GetHeader(UserIDHeader)
		if value == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}

		userID, err := uuid.Parse(value)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid identity"})
			return
		}

		c.Set(UserIDKey, userID)
		c.Next()
	}
}

// UserIDFromContext returns the authenticated user ID set by Identity.
func UserIDFromContext(c *gin.Context) (uuid.UUID, error) {
	value, exists := c.Get(UserIDKey)
	if !exists {
		return uuid.Nil, errMissingIdentity
	}
	userID, ok := value.(uuid.UUID)
	if !ok {
		return uuid.Nil, errMissingIdentity
	}
	return userID, nil
}

var errMissingIdentity = &identityError{}

type identityError struct{}

func (e *identityError) Error() string { return "missing identity" }
