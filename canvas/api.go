package canvas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

// a streaming response body must not be subject to a total request timeout
func streamingClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// client for the Engines http boundary.
// the backend is treated as an opaque, correct oracle for head_rev and op
// acceptance
type EnginesApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	auth *SessionAuth
}

func NewEnginesApi(apiUrl string) *EnginesApi {
	return NewEnginesApiWithContext(context.Background(), apiUrl)
}

func NewEnginesApiWithContext(ctx context.Context, apiUrl string) *EnginesApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &EnginesApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to all calls
func (self *EnginesApi) SetAuth(auth *SessionAuth) {
	self.auth = auth
}

func (self *EnginesApi) Auth() *SessionAuth {
	return self.auth
}

func (self *EnginesApi) Url() string {
	return self.apiUrl
}

func (self *EnginesApi) Close() {
	self.cancel()
}

type SubmitCommandCallback apiCallback[*CommandResponse]

func (self *EnginesApi) SubmitCommand(documentId Id, command *Command, callback SubmitCommandCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/canvas/%s/commands", self.apiUrl, documentId),
		command,
		self.auth,
		&CommandResponse{},
		callback,
	)
}

func (self *EnginesApi) SubmitCommandSync(ctx context.Context, documentId Id, command *Command) (*CommandResponse, error) {
	return post(
		ctx,
		fmt.Sprintf("%s/canvas/%s/commands", self.apiUrl, documentId),
		command,
		self.auth,
		&CommandResponse{},
		NewNoopApiCallback[*CommandResponse](),
	)
}

type SnapshotCallback apiCallback[*DocumentSnapshot]

func (self *EnginesApi) Snapshot(documentId Id, callback SnapshotCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/canvas/%s/snapshot", self.apiUrl, documentId),
		self.auth,
		&DocumentSnapshot{},
		callback,
	)
}

func (self *EnginesApi) SnapshotSync(ctx context.Context, documentId Id) (*DocumentSnapshot, error) {
	return get(
		ctx,
		fmt.Sprintf("%s/canvas/%s/snapshot", self.apiUrl, documentId),
		self.auth,
		&DocumentSnapshot{},
		NewNoopApiCallback[*DocumentSnapshot](),
	)
}

// external collaborator data. never mutated by this client
type RegistryEntry struct {
	Namespace string         `json:"namespace"`
	Name      string         `json:"name"`
	Uri       string         `json:"uri,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

type RegistryEntriesResult struct {
	Entries []*RegistryEntry `json:"entries"`
}

type RegistryEntriesCallback apiCallback[*RegistryEntriesResult]

func (self *EnginesApi) RegistryEntries(namespace string, callback RegistryEntriesCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/registries/entries?namespace=%s", self.apiUrl, url.QueryEscape(namespace)),
		self.auth,
		&RegistryEntriesResult{},
		callback,
	)
}

func (self *EnginesApi) RegistryEntriesSync(ctx context.Context, namespace string) (*RegistryEntriesResult, error) {
	return get(
		ctx,
		fmt.Sprintf("%s/registries/entries?namespace=%s", self.apiUrl, url.QueryEscape(namespace)),
		self.auth,
		&RegistryEntriesResult{},
		NewNoopApiCallback[*RegistryEntriesResult](),
	)
}

// externally declared tool schema
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

type ListToolsArgs struct {
}

type ListToolsResult struct {
	Tools []*ToolSchema `json:"tools"`
}

type ListToolsCallback apiCallback[*ListToolsResult]

func (self *EnginesApi) ListTools(listTools *ListToolsArgs, callback ListToolsCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/tools/list", self.apiUrl),
		listTools,
		self.auth,
		&ListToolsResult{},
		callback,
	)
}

func (self *EnginesApi) ListToolsSync(ctx context.Context, listTools *ListToolsArgs) (*ListToolsResult, error) {
	return post(
		ctx,
		fmt.Sprintf("%s/tools/list", self.apiUrl),
		listTools,
		self.auth,
		&ListToolsResult{},
		NewNoopApiCallback[*ListToolsResult](),
	)
}

// returned by artifact upload. binary content never travels inline in
// stream events
type ArtifactDescriptor struct {
	ArtifactId Id             `json:"artifact_id"`
	Uri        string         `json:"uri"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (self *EnginesApi) UploadArtifact(ctx context.Context, documentId Id, name string, contentType string, content io.Reader) (*ArtifactDescriptor, error) {
	requestBody := &bytes.Buffer{}
	writer := multipart.NewWriter(requestBody)
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUpload, err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUpload, err)
	}
	if contentType != "" {
		writer.WriteField("content_type", contentType)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUpload, err)
	}

	req, err := http.NewRequestWithContext(
		ctx,
		"POST",
		fmt.Sprintf("%s/canvas/%s/artifacts", self.apiUrl, documentId),
		requestBody,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUpload, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	self.auth.apply(req.Header)

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUpload, err)
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUpload, err)
	}
	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpload, r.StatusCode, errorMessage)
	}

	descriptor := &ArtifactDescriptor{}
	if err := json.Unmarshal(responseBodyBytes, descriptor); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUpload, err)
	}
	return descriptor, nil
}

// classify a non-2xx response. a safety shaped payload is a policy BLOCK,
// not a transport failure
func classifyStatusError(statusCode int, responseBodyBytes []byte) error {
	decision := &SafetyDecision{}
	if err := json.Unmarshal(responseBodyBytes, decision); err == nil && decision.Blocked() {
		return &SafetyBlockError{
			Decision: decision,
		}
	}

	errorMessage := strings.TrimSpace(string(responseBodyBytes))
	if 400 <= statusCode && statusCode < 500 {
		return fmt.Errorf("%w: status %d: %s", ErrValidation, statusCode, errorMessage)
	}
	return fmt.Errorf("%w: status %d: %s", ErrNetwork, statusCode, errorMessage)
}

func post[R any](ctx context.Context, url string, args any, auth *SessionAuth, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")
	auth.apply(req.Header)

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		if !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %s", ErrNetwork, err)
		}
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		err = classifyStatusError(r.StatusCode, responseBodyBytes)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		err = fmt.Errorf("%w: %s", ErrNetwork, err)
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, auth *SessionAuth, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")
	auth.apply(req.Header)

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		if !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %s", ErrNetwork, err)
		}
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		err = classifyStatusError(r.StatusCode, responseBodyBytes)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		err = fmt.Errorf("%w: %s", ErrNetwork, err)
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
