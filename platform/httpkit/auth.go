package httpkit

import (
	"errors"
	"slices"
	"strings"

	"portal_intelligence/platform/apperr"
	"portal_intelligence/platform/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	operatorKey = "httpkit.operator"

	errMissingToken = "missing token"
	errInvalidToken = "invalid token"
)

// Operator is the authenticated principal behind a monitoring or operator request.
type Operator struct {
	ID             uuid.UUID
	OrganizationID *uuid.UUID
	Roles          []string
}

func (o Operator) HasRole(role string) bool {
	return slices.Contains(o.Roles, role)
}

// WithOperator stores op on the request context.
func WithOperator(c *gin.Context, op Operator) {
	c.Set(operatorKey, op)
}

// OperatorFrom returns the operator stored by AuthRequired.
func OperatorFrom(c *gin.Context) (Operator, bool) {
	v, ok := c.Get(operatorKey)
	if !ok {
		return Operator{}, false
	}
	op, ok := v.(Operator)
	return op, ok
}

// AuthRequired validates an HMAC-signed access token from the Authorization
// header and stores the Operator on the context.
func AuthRequired(cfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortWith(c, apperr.Unauthorized(errMissingToken))
			return
		}

		claims, err := parseAccessClaims(raw, cfg.GetJWTAccessSecret())
		if err != nil {
			abortWith(c, apperr.Unauthorized(errInvalidToken))
			return
		}

		op, err := operatorFromClaims(claims)
		if err != nil {
			abortWith(c, apperr.Unauthorized(errInvalidToken))
			return
		}
		WithOperator(c, op)
		c.Next()
	}
}

// RequireRole aborts with 403 unless the operator holds role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		op, ok := OperatorFrom(c)
		if !ok || !op.HasRole(role) {
			abortWith(c, apperr.Forbidden("forbidden"))
			return
		}
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	raw, found := strings.CutPrefix(header, "Bearer ")
	raw = strings.TrimSpace(raw)
	return raw, found && raw != ""
}

func parseAccessClaims(raw, secret string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if kind, _ := claims["type"].(string); kind != "access" {
		return nil, errors.New("not an access token")
	}
	return claims, nil
}

func operatorFromClaims(claims jwt.MapClaims) (Operator, error) {
	sub, _ := claims["sub"].(string)
	id, err := uuid.Parse(sub)
	if err != nil {
		return Operator{}, err
	}
	op := Operator{ID: id, Roles: stringList(claims["roles"])}

	if org, _ := claims["tenant_id"].(string); strings.TrimSpace(org) != "" {
		orgID, err := uuid.Parse(org)
		if err != nil {
			return Operator{}, err
		}
		op.OrganizationID = &orgID
	}
	return op, nil
}

func stringList(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func abortWith(c *gin.Context, err *apperr.Error) {
	c.AbortWithStatusJSON(err.HTTPStatus(), ErrorResponse{Error: err.Message})
}
