package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
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

// Api is the durable request/response collaborator. The synchronizers
// treat every endpoint as an opaque call; the optimistic-merge logic is
// layered around it, never inside it.
type Api struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewApi(apiUrl string) *Api {
	return NewApiWithContext(context.Background(), apiUrl)
}

func NewApiWithContext(ctx context.Context, apiUrl string) *Api {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &Api{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *Api) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

func (self *Api) Close() {
	self.cancel()
}

type AuthLoginCallback apiCallback[*AuthLoginResult]

type AuthLoginArgs struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginResult struct {
	Token string        `json:"token,omitempty"`
	User  *AuthUser     `json:"user,omitempty"`
	Error *ApiCallError `json:"error,omitempty"`
}

type AuthUser struct {
	UserId    string `json:"userId"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
}

type ApiCallError struct {
	Message string `json:"message"`
}

func (self *Api) AuthLogin(authLogin *AuthLoginArgs, callback AuthLoginCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/auth/login", self.apiUrl),
		authLogin,
		self.byJwt,
		&AuthLoginResult{},
		callback,
	)
}

func (self *Api) AuthLoginSync(authLogin *AuthLoginArgs) (*AuthLoginResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/auth/login", self.apiUrl),
		authLogin,
		self.byJwt,
		&AuthLoginResult{},
		NewNoopApiCallback[*AuthLoginResult](),
	)
}

type AuthValidateCallback apiCallback[*AuthValidateResult]

type AuthValidateResult struct {
	Valid  bool   `json:"valid"`
	UserId string `json:"userId,omitempty"`
}

func (self *Api) AuthValidate(callback AuthValidateCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/auth/validate", self.apiUrl),
		self.byJwt,
		&AuthValidateResult{},
		callback,
	)
}

func (self *Api) AuthValidateSync() (*AuthValidateResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/auth/validate", self.apiUrl),
		self.byJwt,
		&AuthValidateResult{},
		NewNoopApiCallback[*AuthValidateResult](),
	)
}

type AuthLogoutResult struct{}

func (self *Api) AuthLogoutSync() (*AuthLogoutResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/auth/logout", self.apiUrl),
		nil,
		self.byJwt,
		&AuthLogoutResult{},
		NewNoopApiCallback[*AuthLogoutResult](),
	)
}

type ChatContact struct {
	UserId              string `json:"userId"`
	FirstName           string `json:"firstName,omitempty"`
	LastName            string `json:"lastName,omitempty"`
	Avatar              string `json:"avatar,omitempty"`
	IsOnline            bool   `json:"isOnline"`
	LastMessage         string `json:"lastMessage,omitempty"`
	LastMessageSenderId string `json:"lastMessageSenderId,omitempty"`
	LastSent            string `json:"lastSent,omitempty"`
	UnreadCount         int    `json:"unreadCount"`
}

type ChatContactsCallback apiCallback[[]*ChatContact]

func (self *Api) ChatContacts(callback ChatContactsCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/chat/contacts", self.apiUrl),
		self.byJwt,
		[]*ChatContact{},
		callback,
	)
}

func (self *Api) ChatContactsSync() ([]*ChatContact, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/chat/contacts", self.apiUrl),
		self.byJwt,
		[]*ChatContact{},
		NewNoopApiCallback[[]*ChatContact](),
	)
}

func (self *Api) ChatMessagesSync(userId string, limit int, offset int) ([]*Message, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/chat/messages?userId=%s&limit=%d&offset=%d", self.apiUrl, userId, limit, offset),
		self.byJwt,
		[]*Message{},
		NewNoopApiCallback[[]*Message](),
	)
}

type ChatSendCallback apiCallback[*Message]

type ChatSendArgs struct {
	ReceiverId string `json:"receiverId"`
	Content    string `json:"content"`
	// client idempotency key for echo reconciliation
	TempId string `json:"tempId"`
}

func (self *Api) ChatSend(chatSend *ChatSendArgs, callback ChatSendCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/chat/send", self.apiUrl),
		chatSend,
		self.byJwt,
		&Message{},
		callback,
	)
}

func (self *Api) ChatSendSync(chatSend *ChatSendArgs) (*Message, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/chat/send", self.apiUrl),
		chatSend,
		self.byJwt,
		&Message{},
		NewNoopApiCallback[*Message](),
	)
}

type ChatMarkReadArgs struct {
	SenderId string `json:"senderId"`
}

type ChatMarkReadResult struct {
	ReadAt string `json:"readAt,omitempty"`
}

func (self *Api) ChatMarkReadSync(chatMarkRead *ChatMarkReadArgs) (*ChatMarkReadResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/chat/mark-read", self.apiUrl),
		chatMarkRead,
		self.byJwt,
		&ChatMarkReadResult{},
		NewNoopApiCallback[*ChatMarkReadResult](),
	)
}

type ChatTypingArgs struct {
	ReceiverId string `json:"receiverId"`
}

type ChatTypingResult struct{}

func (self *Api) ChatTypingSync(chatTyping *ChatTypingArgs) (*ChatTypingResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/chat/typing", self.apiUrl),
		chatTyping,
		self.byJwt,
		&ChatTypingResult{},
		NewNoopApiCallback[*ChatTypingResult](),
	)
}

func (self *Api) GroupMessagesSync(groupId string, limit int, offset int) ([]*GroupMessage, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/groups/get-messages?groupId=%s&limit=%d&offset=%d", self.apiUrl, groupId, limit, offset),
		self.byJwt,
		[]*GroupMessage{},
		NewNoopApiCallback[[]*GroupMessage](),
	)
}

type GroupSendArgs struct {
	GroupId string `json:"groupId"`
	Content string `json:"content"`
	TempId  string `json:"tempId"`
}

func (self *Api) GroupSendSync(groupSend *GroupSendArgs) (*GroupMessage, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/groups/send-message", self.apiUrl),
		groupSend,
		self.byJwt,
		&GroupMessage{},
		NewNoopApiCallback[*GroupMessage](),
	)
}

type GroupMarkReadArgs struct {
	GroupId string `json:"groupId"`
}

type GroupMarkReadResult struct {
	ReadAt string `json:"readAt,omitempty"`
}

func (self *Api) GroupMarkReadSync(groupMarkRead *GroupMarkReadArgs) (*GroupMarkReadResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/groups/mark-read", self.apiUrl),
		groupMarkRead,
		self.byJwt,
		&GroupMarkReadResult{},
		NewNoopApiCallback[*GroupMarkReadResult](),
	)
}

type Notification struct {
	Id            int64  `json:"id"`
	Type          string `json:"type"`
	SenderId      string `json:"senderId,omitempty"`
	SenderName    string `json:"senderName,omitempty"`
	Message       string `json:"message,omitempty"`
	CreatedAt     string `json:"createdAt"`
	IsRead        bool   `json:"isRead"`
	TargetGroupId string `json:"targetGroupId,omitempty"`
}

func (self *Api) NotificationsSync(limit int, offset int) ([]*Notification, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/notification?limit=%d&offset=%d", self.apiUrl, limit, offset),
		self.byJwt,
		[]*Notification{},
		NewNoopApiCallback[[]*Notification](),
	)
}

type NotificationMarkReadArgs struct {
	NotificationId int64 `json:"notificationId"`
}

type NotificationMarkReadResult struct{}

func (self *Api) NotificationMarkReadSync(markRead *NotificationMarkReadArgs) (*NotificationMarkReadResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/notification/mark-read", self.apiUrl),
		markRead,
		self.byJwt,
		&NotificationMarkReadResult{},
		NewNoopApiCallback[*NotificationMarkReadResult](),
	)
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
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

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
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

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
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

func get[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
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

	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
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
