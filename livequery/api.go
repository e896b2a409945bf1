package livequery

import (
	"bytes"
	"context"
	"encoding/json"
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

// the remote source of truth reached over http
type PraxisApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewPraxisApi(apiUrl string) *PraxisApi {
	return NewPraxisApiWithContext(context.Background(), apiUrl)
}

func NewPraxisApiWithContext(ctx context.Context, apiUrl string) *PraxisApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &PraxisApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *PraxisApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

type AuthLoginWithPasswordCallback apiCallback[*AuthLoginWithPasswordResult]

type AuthLoginWithPasswordArgs struct {
	UserAuth string `json:"user_auth"`
	Password string `json:"password"`
}

type AuthLoginWithPasswordResult struct {
	Session *AuthLoginWithPasswordResultSession `json:"session,omitempty"`
	Error   *AuthLoginWithPasswordResultError   `json:"error,omitempty"`
}

type AuthLoginWithPasswordResultSession struct {
	ByJwt    string `json:"by_jwt,omitempty"`
	UserName string `json:"user_name,omitempty"`
}

type AuthLoginWithPasswordResultError struct {
	Message string `json:"message"`
}

func (self *PraxisApi) AuthLoginWithPassword(authLoginWithPassword *AuthLoginWithPasswordArgs, callback AuthLoginWithPasswordCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/auth/login-with-password", self.apiUrl),
		authLoginWithPassword,
		self.byJwt,
		&AuthLoginWithPasswordResult{},
		callback,
	)
}

func (self *PraxisApi) AuthLoginWithPasswordSync(authLoginWithPassword *AuthLoginWithPasswordArgs) (*AuthLoginWithPasswordResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/auth/login-with-password", self.apiUrl),
		authLoginWithPassword,
		self.byJwt,
		&AuthLoginWithPasswordResult{},
		NewNoopApiCallback[*AuthLoginWithPasswordResult](),
	)
}

// one card on the board
type Matter struct {
	MatterId   string `json:"matter_id"`
	Title      string `json:"title"`
	ClientName string `json:"client_name,omitempty"`
	// the kanban column
	Status     string    `json:"status"`
	Priority   string    `json:"priority,omitempty"`
	AssigneeId *Id       `json:"assignee_id,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

type MatterListArgs struct {
	Status   string `json:"status,omitempty"`
	Priority string `json:"priority,omitempty"`
}

type MatterListResult struct {
	Matters []*Matter `json:"matters"`
}

func (self *PraxisApi) MatterListSync(matterList *MatterListArgs) (*MatterListResult, error) {
	return self.MatterListSyncWithContext(self.ctx, matterList)
}

func (self *PraxisApi) MatterListSyncWithContext(ctx context.Context, matterList *MatterListArgs) (*MatterListResult, error) {
	return post(
		ctx,
		fmt.Sprintf("%s/matters/list", self.apiUrl),
		matterList,
		self.byJwt,
		&MatterListResult{},
		NewNoopApiCallback[*MatterListResult](),
	)
}

type MatterDetailResult struct {
	Matter *Matter `json:"matter"`
}

func (self *PraxisApi) MatterDetailSync(matterId string) (*MatterDetailResult, error) {
	return self.MatterDetailSyncWithContext(self.ctx, matterId)
}

func (self *PraxisApi) MatterDetailSyncWithContext(ctx context.Context, matterId string) (*MatterDetailResult, error) {
	return get(
		ctx,
		fmt.Sprintf("%s/matters/detail/%s", self.apiUrl, url.PathEscape(matterId)),
		self.byJwt,
		&MatterDetailResult{},
		NewNoopApiCallback[*MatterDetailResult](),
	)
}

type MatterCreateCallback apiCallback[*MatterCreateResult]

type MatterCreateArgs struct {
	Title      string `json:"title"`
	ClientName string `json:"client_name,omitempty"`
	Status     string `json:"status,omitempty"`
	Priority   string `json:"priority,omitempty"`
}

type MatterCreateResult struct {
	Matter *Matter `json:"matter"`
}

func (self *PraxisApi) MatterCreate(matterCreate *MatterCreateArgs, callback MatterCreateCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/matters/create", self.apiUrl),
		matterCreate,
		self.byJwt,
		&MatterCreateResult{},
		callback,
	)
}

func (self *PraxisApi) MatterCreateSync(matterCreate *MatterCreateArgs) (*MatterCreateResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/matters/create", self.apiUrl),
		matterCreate,
		self.byJwt,
		&MatterCreateResult{},
		NewNoopApiCallback[*MatterCreateResult](),
	)
}

type MatterMoveCallback apiCallback[*MatterMoveResult]

type MatterMoveArgs struct {
	MatterId string `json:"matter_id"`
	ToStatus string `json:"to_status"`
}

type MatterMoveResult struct {
	Matter *Matter `json:"matter"`
}

func (self *PraxisApi) MatterMove(matterMove *MatterMoveArgs, callback MatterMoveCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/matters/move", self.apiUrl),
		matterMove,
		self.byJwt,
		&MatterMoveResult{},
		callback,
	)
}

func (self *PraxisApi) MatterMoveSync(matterMove *MatterMoveArgs) (*MatterMoveResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/matters/move", self.apiUrl),
		matterMove,
		self.byJwt,
		&MatterMoveResult{},
		NewNoopApiCallback[*MatterMoveResult](),
	)
}

type ChangesResult struct {
	Events []*DomainEvent `json:"events"`
	Cursor string         `json:"cursor,omitempty"`
}

// polling fallback for the real-time feed
func (self *PraxisApi) LatestChangesSync(since string) (*ChangesResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/changes?since=%s", self.apiUrl, url.QueryEscape(since)),
		self.byJwt,
		&ChangesResult{},
		NewNoopApiCallback[*ChangesResult](),
	)
}

// key shapes served by the api:
//
//	["matters", "list"] {status, priority}
//	["matters", "detail", <matter_id>]
//	["expenses", "list"] {matter_id}
//
// calls run on the passed ctx, so the executor's per-attempt timeout binds.
func (self *PraxisApi) QueryFetcher() FetchFunction {
	return func(ctx context.Context, key QueryKey) (any, error) {
		segments := key.Segments
		switch {
		case 2 <= len(segments) && segments[0] == "matters" && segments[1] == "list":
			args := &MatterListArgs{}
			if status, ok := key.Filters["status"].(string); ok {
				args.Status = status
			}
			if priority, ok := key.Filters["priority"].(string); ok {
				args.Priority = priority
			}
			return self.MatterListSyncWithContext(ctx, args)
		case 3 <= len(segments) && segments[0] == "matters" && segments[1] == "detail":
			return self.MatterDetailSyncWithContext(ctx, segments[2])
		default:
			return nil, NewHttpError(http.StatusNotFound, fmt.Errorf("no fetcher for key %s", key))
		}
	}
}

func (self *PraxisApi) Close() {
	self.cancel()
}

func post[R any](ctx context.Context, postUrl string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
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

	req, err := http.NewRequestWithContext(ctx, "POST", postUrl, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	return doRequest(req, result, callback)
}

func get[R any](ctx context.Context, getUrl string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", getUrl, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	return doRequest(req, result, callback)
}

// non-2xx statuses and transport failures come back classified so the retry
// policy can key off the kind
func doRequest[R any](req *http.Request, result R, callback apiCallback[R]) (R, error) {
	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		classified := classifyError(err)
		callback.Result(empty, classified)
		return empty, classified
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = httpStatusError(r.StatusCode, errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		classified := classifyError(err)
		callback.Result(result, classified)
		return result, classified
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		parseErr := NewParseError(err)
		callback.Result(empty, parseErr)
		return empty, parseErr
	}

	callback.Result(result, nil)
	return result, nil
}
