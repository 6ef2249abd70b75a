package canvas

import (
	"net/http"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// session identity attached to every http and stream request.
// the token is minted by the platform; the client only reads claims, it
// never verifies them (the backend does)
type SessionAuth struct {
	Token     string
	TenantId  string
	ProjectId string
	UserId    string
	Mode      string
}

// claims are best effort. a claim that is missing or the wrong type is
// left empty rather than failing the session
func NewSessionAuth(token string) *SessionAuth {
	auth := &SessionAuth{
		Token: token,
	}

	parser := gojwt.NewParser()
	parsedToken, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return auth
	}
	claims := parsedToken.Claims.(gojwt.MapClaims)

	if tenantId, ok := claims["tenant_id"].(string); ok {
		auth.TenantId = tenantId
	}
	if projectId, ok := claims["project_id"].(string); ok {
		auth.ProjectId = projectId
	}
	if userId, ok := claims["user_id"].(string); ok {
		auth.UserId = userId
	}
	if mode, ok := claims["mode"].(string); ok {
		auth.Mode = mode
	}

	return auth
}

func (self *SessionAuth) apply(header http.Header) {
	if self == nil {
		return
	}
	if self.Token != "" {
		header.Set("Authorization", "Bearer "+self.Token)
	}
	if self.TenantId != "" {
		header.Set("X-Tenant-Id", self.TenantId)
	}
	if self.ProjectId != "" {
		header.Set("X-Project-Id", self.ProjectId)
	}
	if self.UserId != "" {
		header.Set("X-User-Id", self.UserId)
	}
	if self.Mode != "" {
		header.Set("X-Mode", self.Mode)
	}
	requestId := NewId()
	header.Set("X-Request-Id", requestId.String())
}
