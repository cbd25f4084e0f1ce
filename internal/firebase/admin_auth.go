package firebase

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"firebase.google.com/go/v4/auth"
	"firebase.google.com/go/v4/errorutils"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/identitytoolkit/v3"
)

// idpRequestURI is required by verifyAssertion but unused for access tokens.
const idpRequestURI = "http://localhost"

func (r *AdminRef) AuthWithCustomToken(ctx context.Context, token string) (*AuthData, error) {
	tk, err := r.s.identityToolkit(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := tk.Relyingparty.VerifyCustomToken(&identitytoolkit.IdentitytoolkitRelyingpartyVerifyCustomTokenRequest{
		Token:             token,
		ReturnSecureToken: true,
	}).Context(ctx).Do()
	if err != nil {
		return nil, translate(err)
	}
	return r.s.signIn(ctx, resp.IdToken, "custom")
}

func (r *AdminRef) AuthAnonymously(ctx context.Context) (*AuthData, error) {
	tk, err := r.s.identityToolkit(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := tk.Relyingparty.SignupNewUser(&identitytoolkit.IdentitytoolkitRelyingpartySignupNewUserRequest{}).Context(ctx).Do()
	if err != nil {
		return nil, translate(err)
	}
	return r.s.signIn(ctx, resp.IdToken, "anonymous")
}

func (r *AdminRef) AuthWithOAuthToken(ctx context.Context, provider, credentials string) (*AuthData, error) {
	if provider == "" || credentials == "" {
		return nil, Errorf(CodeInvalidArgument, "provider and credentials are required")
	}
	tk, err := r.s.identityToolkit(ctx)
	if err != nil {
		return nil, err
	}
	providerID := provider
	if !strings.Contains(providerID, ".") {
		providerID += ".com"
	}
	body := url.Values{"access_token": {credentials}, "providerId": {providerID}}
	resp, err := tk.Relyingparty.VerifyAssertion(&identitytoolkit.IdentitytoolkitRelyingpartyVerifyAssertionRequest{
		PostBody:          body.Encode(),
		RequestUri:        idpRequestURI,
		ReturnSecureToken: true,
	}).Context(ctx).Do()
	if err != nil {
		return nil, translate(err)
	}
	return r.s.signIn(ctx, resp.IdToken, provider)
}

func (r *AdminRef) AuthWithPassword(ctx context.Context, email, password string) (*AuthData, error) {
	idToken, err := r.s.verifyPassword(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return r.s.signIn(ctx, idToken, "password")
}

// Unauth drops the signed in user; database access falls back to the
// signed out mode.
func (r *AdminRef) Unauth(ctx context.Context) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.override = r.s.signedOutOverride()
	if r.s.baseURL == "" {
		return nil
	}
	return r.s.connect(ctx)
}

func (r *AdminRef) CreateUser(ctx context.Context, email, password string) (string, error) {
	if err := checkEmail(email); err != nil {
		return "", err
	}
	ac, err := r.s.authClient(ctx)
	if err != nil {
		return "", err
	}
	user, err := ac.CreateUser(ctx, (&auth.UserToCreate{}).Email(email).Password(password))
	if err != nil {
		return "", translate(err)
	}
	return user.UID, nil
}

func (r *AdminRef) ChangeEmail(ctx context.Context, oldEmail, password, newEmail string) error {
	if err := checkEmail(newEmail); err != nil {
		return err
	}
	uid, ac, err := r.s.verifyUser(ctx, oldEmail, password)
	if err != nil {
		return err
	}
	_, err = ac.UpdateUser(ctx, uid, (&auth.UserToUpdate{}).Email(newEmail))
	return translate(err)
}

func (r *AdminRef) ChangePassword(ctx context.Context, newPassword, email, oldPassword string) error {
	uid, ac, err := r.s.verifyUser(ctx, email, oldPassword)
	if err != nil {
		return err
	}
	_, err = ac.UpdateUser(ctx, uid, (&auth.UserToUpdate{}).Password(newPassword))
	return translate(err)
}

func (r *AdminRef) RemoveUser(ctx context.Context, email, password string) error {
	uid, ac, err := r.s.verifyUser(ctx, email, password)
	if err != nil {
		return err
	}
	return translate(ac.DeleteUser(ctx, uid))
}

// ResetPassword asks the identity service to mail a password reset link.
func (r *AdminRef) ResetPassword(ctx context.Context, email string) error {
	if err := checkEmail(email); err != nil {
		return err
	}
	tk, err := r.s.identityToolkit(ctx)
	if err != nil {
		return err
	}
	_, err = tk.Relyingparty.GetOobConfirmationCode(&identitytoolkit.Relyingparty{
		Email:       email,
		RequestType: "PASSWORD_RESET",
	}).Context(ctx).Do()
	return translate(err)
}

func (s *adminSession) verifyPassword(ctx context.Context, email, password string) (string, error) {
	if err := checkEmail(email); err != nil {
		return "", err
	}
	tk, err := s.identityToolkit(ctx)
	if err != nil {
		return "", err
	}
	resp, err := tk.Relyingparty.VerifyPassword(&identitytoolkit.IdentitytoolkitRelyingpartyVerifyPasswordRequest{
		Email:             email,
		Password:          password,
		ReturnSecureToken: true,
	}).Context(ctx).Do()
	if err != nil {
		return "", translate(err)
	}
	return resp.IdToken, nil
}

// verifyUser checks the credentials and returns the uid they belong to.
func (s *adminSession) verifyUser(ctx context.Context, email, password string) (string, *auth.Client, error) {
	idToken, err := s.verifyPassword(ctx, email, password)
	if err != nil {
		return "", nil, err
	}
	ac, err := s.authClient(ctx)
	if err != nil {
		return "", nil, err
	}
	tok, err := ac.VerifyIDToken(ctx, idToken)
	if err != nil {
		return "", nil, translate(err)
	}
	return tok.UID, ac, nil
}

// signIn verifies idToken and makes its user the identity used for database
// requests.
func (s *adminSession) signIn(ctx context.Context, idToken, provider string) (*AuthData, error) {
	ac, err := s.authClient(ctx)
	if err != nil {
		return nil, err
	}
	tok, err := ac.VerifyIDToken(ctx, idToken)
	if err != nil {
		return nil, translate(err)
	}
	if tok.Firebase.SignInProvider != "" && provider == "custom" {
		provider = tok.Firebase.SignInProvider
	}

	override := map[string]interface{}{
		"uid":      tok.UID,
		"provider": provider,
		"token":    tok.Claims,
	}
	data := &AuthData{
		UID:      tok.UID,
		Provider: provider,
		Token:    idToken,
		Expires:  tok.Expires,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.override
	s.override = &override
	if s.baseURL != "" {
		if err := s.connect(ctx); err != nil {
			s.override = prev
			return nil, err
		}
	}
	s.log.Info().Str("uid", data.UID).Str("provider", provider).Msg("signed in")
	return data, nil
}

func checkEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return Errorf(CodeInvalidArgument, "invalid email %q", email)
	}
	return nil
}

// translate maps SDK and API errors onto the client's error codes.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeCancelled, Message: err.Error()}
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return &Error{Code: identityCode(apiErr.Message), Message: apiErr.Message}
	}

	code := CodeUnknown
	switch {
	case auth.IsUserNotFound(err):
		code = CodeNotFound
	case auth.IsEmailAlreadyExists(err):
		code = CodeAlreadyExists
	case auth.IsIDTokenInvalid(err):
		code = CodeInvalidToken
	case errorutils.IsPermissionDenied(err):
		code = CodePermissionDenied
	case errorutils.IsUnauthenticated(err):
		code = CodeUnauthenticated
	case errorutils.IsNotFound(err):
		code = CodeNotFound
	case errorutils.IsInvalidArgument(err):
		code = CodeInvalidArgument
	case errorutils.IsUnavailable(err):
		code = CodeUnavailable
	}
	return &Error{Code: code, Message: err.Error()}
}

// identityCode classifies Identity Toolkit error messages such as
// "INVALID_PASSWORD" or "EMAIL_EXISTS : ...".
func identityCode(msg string) string {
	reason, _, _ := strings.Cut(msg, " ")
	switch reason {
	case "EMAIL_NOT_FOUND", "INVALID_PASSWORD", "INVALID_LOGIN_CREDENTIALS", "USER_DISABLED":
		return CodeInvalidCredentials
	case "INVALID_CUSTOM_TOKEN", "CREDENTIAL_MISMATCH", "INVALID_IDP_RESPONSE", "INVALID_ID_TOKEN":
		return CodeInvalidToken
	case "EMAIL_EXISTS":
		return CodeAlreadyExists
	case "OPERATION_NOT_ALLOWED", "ADMIN_ONLY_OPERATION":
		return CodePermissionDenied
	case "INVALID_EMAIL", "MISSING_PASSWORD", "WEAK_PASSWORD":
		return CodeInvalidArgument
	}
	return CodeUnknown
}
