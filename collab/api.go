package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
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

type apiCallback[R any] interface {
	Result(result R, err error)
}

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
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// a non-200 response. The message is the server's `message` field when present,
// otherwise the trimmed response body.
type ApiError struct {
	StatusCode int
	Message    string
}

func (self *ApiError) Error() string {
	return self.Message
}

func IsApiError(err error) bool {
	var apiErr *ApiError
	return errors.As(err, &apiErr)
}

type WorkspaceCategory string

const (
	WorkspaceCategoryMy       WorkspaceCategory = "MY"
	WorkspaceCategoryLecture  WorkspaceCategory = "LECTURE"
	WorkspaceCategoryQuestion WorkspaceCategory = "QUESTION"
)

func (self WorkspaceCategory) valid() bool {
	switch self {
	case WorkspaceCategoryMy, WorkspaceCategoryLecture, WorkspaceCategoryQuestion:
		return true
	default:
		return false
	}
}

type Workspace struct {
	Id          int64  `json:"id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Language    string `json:"language"`
	// set on shared listings
	Nickname   string `json:"nickname,omitempty"`
	ProfileUrl string `json:"profileUrl,omitempty"`
}

// the entry tree of a workspace, as returned by the open and entry calls.
// Feed `Tree` into `TreeState.Replace`.
type WorkspaceTreeResult struct {
	Workspace *Workspace  `json:"workspace,omitempty"`
	Tree      []*TreeNode `json:"tree"`
}

// WorkspaceApi is the REST client for workspace and entry CRUD.
// Each call has a callback form that runs in the background and a blocking `Sync` form.
type WorkspaceApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string
	token  string
}

func NewWorkspaceApi(apiUrl string) *WorkspaceApi {
	return NewWorkspaceApiWithContext(context.Background(), apiUrl)
}

func NewWorkspaceApiWithContext(ctx context.Context, apiUrl string) *WorkspaceApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &WorkspaceApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: strings.TrimRight(apiUrl, "/"),
	}
}

// attached as a bearer token to every call
func (self *WorkspaceApi) SetToken(token string) {
	self.token = token
}

func (self *WorkspaceApi) Close() {
	self.cancel()
}

type CreateWorkspaceCallback apiCallback[*Workspace]

type CreateWorkspaceArgs struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Language    string `json:"language"`
}

func (self *CreateWorkspaceArgs) validate() error {
	if strings.TrimSpace(self.Title) == "" {
		return &ValidationError{Field: "title", Message: "title is required"}
	}
	if strings.TrimSpace(self.Language) == "" {
		return &ValidationError{Field: "language", Message: "language is required"}
	}
	return nil
}

func (self *WorkspaceApi) CreateWorkspace(args *CreateWorkspaceArgs, callback CreateWorkspaceCallback) {
	go HandleError(func() {
		self.createWorkspace(args, callback)
	})
}

func (self *WorkspaceApi) CreateWorkspaceSync(args *CreateWorkspaceArgs) (*Workspace, error) {
	return self.createWorkspace(args, NewNoopApiCallback[*Workspace]())
}

func (self *WorkspaceApi) createWorkspace(args *CreateWorkspaceArgs, callback CreateWorkspaceCallback) (*Workspace, error) {
	if err := args.validate(); err != nil {
		callback.Result(nil, err)
		return nil, err
	}
	return post(
		self.ctx,
		fmt.Sprintf("%s/api/workspaces", self.apiUrl),
		args,
		self.token,
		&Workspace{},
		callback,
	)
}

type GetWorkspaceCallback apiCallback[*WorkspaceTreeResult]

// opens the workspace and returns its entry tree
func (self *WorkspaceApi) GetWorkspace(workspaceId int64, callback GetWorkspaceCallback) {
	go HandleError(func() {
		self.getWorkspace(workspaceId, callback)
	})
}

func (self *WorkspaceApi) GetWorkspaceSync(workspaceId int64) (*WorkspaceTreeResult, error) {
	return self.getWorkspace(workspaceId, NewNoopApiCallback[*WorkspaceTreeResult]())
}

func (self *WorkspaceApi) getWorkspace(workspaceId int64, callback GetWorkspaceCallback) (*WorkspaceTreeResult, error) {
	if workspaceId <= 0 {
		err := &ValidationError{Field: "workspace", Message: "workspace id must be positive"}
		callback.Result(nil, err)
		return nil, err
	}
	return get(
		self.ctx,
		fmt.Sprintf("%s/api/workspaces/%d", self.apiUrl, workspaceId),
		self.token,
		&WorkspaceTreeResult{},
		callback,
	)
}

type ListWorkspacesCallback apiCallback[*ListWorkspacesResult]

type ListWorkspacesResult struct {
	Result  []*Workspace `json:"result"`
	Message string       `json:"message"`
}

func (self *WorkspaceApi) ListWorkspaces(category WorkspaceCategory, callback ListWorkspacesCallback) {
	go HandleError(func() {
		self.listWorkspaces(category, callback)
	})
}

func (self *WorkspaceApi) ListWorkspacesSync(category WorkspaceCategory) (*ListWorkspacesResult, error) {
	return self.listWorkspaces(category, NewNoopApiCallback[*ListWorkspacesResult]())
}

func (self *WorkspaceApi) listWorkspaces(category WorkspaceCategory, callback ListWorkspacesCallback) (*ListWorkspacesResult, error) {
	if !category.valid() {
		err := &ValidationError{Field: "category", Message: fmt.Sprintf("unknown category \"%s\"", category)}
		callback.Result(nil, err)
		return nil, err
	}
	return get(
		self.ctx,
		fmt.Sprintf("%s/api/workspaces/%s/get", self.apiUrl, url.PathEscape(string(category))),
		self.token,
		&ListWorkspacesResult{},
		callback,
	)
}

type EntryCallback apiCallback[*WorkspaceTreeResult]

type CreateEntryArgs struct {
	Name        string `json:"name"`
	ParentId    int64  `json:"parentId"`
	IsDirectory bool   `json:"isDirectory"`
}

func (self *CreateEntryArgs) validate() error {
	if strings.TrimSpace(self.Name) == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if strings.Contains(self.Name, "/") {
		return &ValidationError{Field: "name", Message: "name must not contain \"/\""}
	}
	if self.ParentId <= 0 {
		return &ValidationError{Field: "parent", Message: "parent id must be positive"}
	}
	return nil
}

func (self *WorkspaceApi) CreateEntry(workspaceId int64, args *CreateEntryArgs, callback EntryCallback) {
	go HandleError(func() {
		self.createEntry(workspaceId, args, callback)
	})
}

func (self *WorkspaceApi) CreateEntrySync(workspaceId int64, args *CreateEntryArgs) (*WorkspaceTreeResult, error) {
	return self.createEntry(workspaceId, args, NewNoopApiCallback[*WorkspaceTreeResult]())
}

func (self *WorkspaceApi) createEntry(workspaceId int64, args *CreateEntryArgs, callback EntryCallback) (*WorkspaceTreeResult, error) {
	err := validateWorkspaceId(workspaceId)
	if err == nil {
		err = args.validate()
	}
	if err != nil {
		callback.Result(nil, err)
		return nil, err
	}
	return post(
		self.ctx,
		fmt.Sprintf("%s/api/workspaces/%d/entries", self.apiUrl, workspaceId),
		args,
		self.token,
		&WorkspaceTreeResult{},
		callback,
	)
}

// deletes the entry and all of its descendants
func (self *WorkspaceApi) DeleteEntry(workspaceId int64, entryId int64, callback EntryCallback) {
	go HandleError(func() {
		self.deleteEntry(workspaceId, entryId, callback)
	})
}

func (self *WorkspaceApi) DeleteEntrySync(workspaceId int64, entryId int64) (*WorkspaceTreeResult, error) {
	return self.deleteEntry(workspaceId, entryId, NewNoopApiCallback[*WorkspaceTreeResult]())
}

func (self *WorkspaceApi) deleteEntry(workspaceId int64, entryId int64, callback EntryCallback) (*WorkspaceTreeResult, error) {
	err := validateWorkspaceId(workspaceId)
	if err == nil {
		err = validateEntryId(entryId)
	}
	if err != nil {
		callback.Result(nil, err)
		return nil, err
	}
	return request(
		self.ctx,
		"DELETE",
		fmt.Sprintf("%s/api/workspaces/%d/entries/%d", self.apiUrl, workspaceId, entryId),
		nil,
		self.token,
		&WorkspaceTreeResult{},
		callback,
	)
}

type RenameEntryArgs struct {
	Name string `json:"name"`
}

func (self *WorkspaceApi) RenameEntry(workspaceId int64, entryId int64, name string, callback EntryCallback) {
	go HandleError(func() {
		self.renameEntry(workspaceId, entryId, name, callback)
	})
}

func (self *WorkspaceApi) RenameEntrySync(workspaceId int64, entryId int64, name string) (*WorkspaceTreeResult, error) {
	return self.renameEntry(workspaceId, entryId, name, NewNoopApiCallback[*WorkspaceTreeResult]())
}

func (self *WorkspaceApi) renameEntry(workspaceId int64, entryId int64, name string, callback EntryCallback) (*WorkspaceTreeResult, error) {
	err := validateWorkspaceId(workspaceId)
	if err == nil {
		err = validateEntryId(entryId)
	}
	if err == nil && strings.TrimSpace(name) == "" {
		err = &ValidationError{Field: "name", Message: "name is required"}
	}
	if err != nil {
		callback.Result(nil, err)
		return nil, err
	}
	return request(
		self.ctx,
		"PATCH",
		fmt.Sprintf("%s/api/workspaces/%d/entries/%d", self.apiUrl, workspaceId, entryId),
		&RenameEntryArgs{Name: name},
		self.token,
		&WorkspaceTreeResult{},
		callback,
	)
}

func validateWorkspaceId(workspaceId int64) error {
	if workspaceId <= 0 {
		return &ValidationError{Field: "workspace", Message: "workspace id must be positive"}
	}
	return nil
}

func validateEntryId(entryId int64) error {
	if entryId <= 0 {
		return &ValidationError{Field: "entry", Message: "entry id must be positive"}
	}
	// the synthetic root is never removed or renamed
	if entryId == RootId {
		return &ValidationError{Field: "entry", Message: "the root entry cannot be modified"}
	}
	return nil
}

func post[R any](ctx context.Context, url string, args any, token string, result R, callback apiCallback[R]) (R, error) {
	return request(ctx, "POST", url, args, token, result, callback)
}

func get[R any](ctx context.Context, url string, token string, result R, callback apiCallback[R]) (R, error) {
	return request(ctx, "GET", url, nil, token, result, callback)
}

func request[R any](ctx context.Context, method string, url string, args any, token string, result R, callback apiCallback[R]) (R, error) {
	var requestBody io.Reader
	if args != nil {
		requestBodyBytes, err := json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
		requestBody = bytes.NewReader(requestBodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, requestBody)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	if args != nil {
		req.Header.Add("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	if http.StatusOK != r.StatusCode {
		err := &ApiError{
			StatusCode: r.StatusCode,
			Message:    responseMessage(responseBodyBytes),
		}
		LogFn(tagApi)("%s %s = %d %s\n", method, url, r.StatusCode, err.Message)
		var empty R
		callback.Result(empty, err)
		return empty, err
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

// the server reports errors as `{"message": ...}`. Falls back to the raw body.
func responseMessage(responseBodyBytes []byte) string {
	var errorResult struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(responseBodyBytes, &errorResult); err == nil && errorResult.Message != "" {
		return errorResult.Message
	}
	if message := strings.TrimSpace(string(responseBodyBytes)); message != "" {
		return message
	}
	return "unknown error occurred"
}
