// Package nextrequest はNextRequest系ポータル向けのportal.Client実装を提供する。
// ポータルのJSONエンドポイントを直接呼び出す。サインインのみHTMLフォームを
// 経由するため、サインインページからauthenticity_tokenを抽出して
// フォームをPOSTし、以後はCookieセッションで認証を維持する。
package nextrequest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/hitoshi/kaiji/internal/model"
	"github.com/hitoshi/kaiji/internal/portal"
	"github.com/hitoshi/kaiji/internal/security"
)

const (
	requestsEndpoint  = "requests"
	documentsEndpoint = "documents"
)

// Client はNextRequestポータルのクライアント。
// httpClientはCookie jarを保持していること（サインインセッションの維持に必要）。
type Client struct {
	baseURL    string
	httpClient *http.Client
	sanitizer  security.ContentSanitizerService
	logger     *slog.Logger
	username   string
	password   string

	mu       sync.Mutex
	signedIn bool
}

// NewClient はClientの新しいインスタンスを生成する。
// baseURLは末尾のスラッシュを除いたポータルのベースURLを指定する。
func NewClient(
	baseURL string,
	httpClient *http.Client,
	sanitizer security.ContentSanitizerService,
	logger *slog.Logger,
	username, password string,
) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: httpClient,
		sanitizer:  sanitizer,
		logger:     logger,
		username:   username,
		password:   password,
	}
}

// Source はこのクライアントが対象とするポータルのベースURLを返す。
func (c *Client) Source() string {
	return c.baseURL
}

// SignIn はポータルにサインインする。冪等で、セッション確立済みの場合は
// 何もしない。資格情報が未設定の場合は匿名アクセスとしてスキップする。
func (c *Client) SignIn(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.signedIn {
		return nil
	}
	if c.username == "" {
		c.logger.Info("資格情報が未設定のため匿名アクセスで続行します",
			slog.String("source", c.baseURL),
		)
		return nil
	}

	signInURL := c.baseURL + "/users/sign_in"

	// サインインページからauthenticity_tokenを取得
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signInURL, nil)
	if err != nil {
		return model.NewRemoteUnavailableError(c.baseURL, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.NewRemoteUnavailableError(c.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return model.NewRemoteUnavailableError(c.baseURL,
			fmt.Errorf("サインインページがステータス %d を返しました", resp.StatusCode))
	}

	token, err := extractAuthenticityToken(resp.Body)
	if err != nil {
		return model.NewRemoteUnavailableError(c.baseURL, err)
	}

	// フォームをPOSTしてセッションCookieを得る
	form := url.Values{}
	form.Set("authenticity_token", token)
	form.Set("user[email]", c.username)
	form.Set("user[password]", c.password)
	form.Set("commit", "Sign in")

	postReq, err := http.NewRequestWithContext(ctx, http.MethodPost, signInURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return model.NewRemoteUnavailableError(c.baseURL, err)
	}
	postReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	postResp, err := c.httpClient.Do(postReq)
	if err != nil {
		return model.NewRemoteUnavailableError(c.baseURL, err)
	}
	defer postResp.Body.Close()
	io.Copy(io.Discard, postResp.Body)

	if postResp.StatusCode >= 400 {
		return model.NewRemoteUnavailableError(c.baseURL,
			fmt.Errorf("サインインがステータス %d で拒否されました", postResp.StatusCode))
	}

	c.signedIn = true
	c.logger.Info("ポータルにサインインしました", slog.String("source", c.baseURL))
	return nil
}

// extractAuthenticityToken はサインインページのHTMLから
// name="authenticity_token" のinput要素の値を取り出す。
func extractAuthenticityToken(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("サインインページの解析に失敗しました: %w", err)
	}

	var token string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if token != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "input" {
			var name, value string
			for _, attr := range n.Attr {
				switch attr.Key {
				case "name":
					name = attr.Val
				case "value":
					value = attr.Val
				}
			}
			if name == "authenticity_token" {
				token = value
				return
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	if token == "" {
		return "", fmt.Errorf("authenticity_tokenが見つかりません")
	}
	return token, nil
}

// searchResponse は検索エンドポイントの応答。結果配列のキーは
// エンドポイント名（requests / documents）と同じ。
type searchResponse struct {
	TotalCount int               `json:"total_count"`
	Requests   []json.RawMessage `json:"requests"`
	Documents  []json.RawMessage `json:"documents"`
}

// SearchRequests は請求を検索する。pageは0始まり。
func (c *Client) SearchRequests(ctx context.Context, term string, page int, filter portal.SearchFilter) (*portal.RequestSearchPage, error) {
	query := url.Values{}
	query.Set("search_term", term)
	query.Set("page_number", fmt.Sprintf("%d", page))
	if filter.Open {
		query.Set("open", "true")
	}
	if filter.Closed {
		query.Set("closed", "true")
	}

	var resp searchResponse
	if err := c.getJSON(ctx, "/client/"+requestsEndpoint, query, &resp); err != nil {
		return nil, err
	}

	result := &portal.RequestSearchPage{TotalCount: resp.TotalCount}
	for _, raw := range resp.Requests {
		var item struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		}
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}
		result.Items = append(result.Items, portal.RequestSearchItem{
			ID:    item.ID,
			Title: c.sanitizer.SanitizeText(item.Title),
		})
	}
	return result, nil
}

// SearchDocuments は文書を検索する。pageは0始まり。
func (c *Client) SearchDocuments(ctx context.Context, term string, page int) (*portal.DocumentSearchPage, error) {
	query := url.Values{}
	query.Set("search_term", term)
	query.Set("page_number", fmt.Sprintf("%d", page))

	var resp searchResponse
	if err := c.getJSON(ctx, "/client/"+documentsEndpoint, query, &resp); err != nil {
		return nil, err
	}

	result := &portal.DocumentSearchPage{TotalCount: resp.TotalCount}
	for _, raw := range resp.Documents {
		var item struct {
			ID       string `json:"id"`
			Title    string `json:"title"`
			PrettyID string `json:"pretty_id"`
		}
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}
		result.Items = append(result.Items, portal.DocumentSearchItem{
			DocumentID:   item.ID,
			DocumentName: c.sanitizer.SanitizeText(item.Title),
			RequestID:    item.PrettyID,
		})
	}
	return result, nil
}

// RequestInfo は請求の現在情報を取得する。
// 状態文字列は生のまま返す（変換は呼び出し側がmodel.StatusFromPortalで行う）。
func (c *Client) RequestInfo(ctx context.Context, externalID string) (*portal.RequestInfo, error) {
	var resp struct {
		RequestState    string `json:"request_state"`
		DepartmentNames string `json:"department_names"`
		RequestDate     string `json:"request_date"`
	}
	if err := c.getJSON(ctx, "/client/"+requestsEndpoint+"/"+url.PathEscape(externalID), nil, &resp); err != nil {
		return nil, err
	}

	submittedAt, ok := parseDate(resp.RequestDate)
	if !ok && resp.RequestDate != "" {
		c.logger.Warn("請求日時を解釈できませんでした",
			slog.String("external_id", externalID),
			slog.String("request_date", resp.RequestDate),
		)
	}

	return &portal.RequestInfo{
		Status:      resp.RequestState,
		Department:  c.sanitizer.SanitizeText(resp.DepartmentNames),
		SubmittedAt: submittedAt,
	}, nil
}

// DocumentsInfo は請求配下の文書一覧を取得する。
func (c *Client) DocumentsInfo(ctx context.Context, externalID string) (*portal.DocumentsInfo, error) {
	query := url.Values{}
	query.Set("request_id", externalID)

	var resp struct {
		TotalDocumentsCount int `json:"total_documents_count"`
		Documents           []struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"documents"`
	}
	if err := c.getJSON(ctx, "/client/request_documents", query, &resp); err != nil {
		return nil, err
	}

	info := &portal.DocumentsInfo{TotalCount: resp.TotalDocumentsCount}
	for _, d := range resp.Documents {
		info.Documents = append(info.Documents, portal.DocumentRef{
			ID:   d.ID,
			Name: c.sanitizer.SanitizeText(d.Title),
		})
	}
	return info, nil
}

// InitiateBulkDownload は請求配下の全文書のzip化ジョブを開始する。
// ポータルはjobIdを要素1個の配列で返す。ジョブIDが得られない場合は
// JOB_FAILEDを返す（リトライせず呼び出し側の失敗処理に委ねる）。
func (c *Client) InitiateBulkDownload(ctx context.Context, externalID string) (string, error) {
	docsInfo, err := c.DocumentsInfo(ctx, externalID)
	if err != nil {
		return "", err
	}
	docIDs := make([]string, 0, len(docsInfo.Documents))
	for _, d := range docsInfo.Documents {
		docIDs = append(docIDs, d.ID)
	}

	body, err := json.Marshal(map[string]any{
		"request_id":  externalID,
		"bulk_action": "download",
		"doc_ids":     docIDs,
	})
	if err != nil {
		return "", model.NewRemoteUnavailableError(c.baseURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/client/documents/bulk", strings.NewReader(string(body)))
	if err != nil {
		return "", model.NewRemoteUnavailableError(c.baseURL, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Referer", c.baseURL+"/requests/"+url.PathEscape(externalID))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", model.NewRemoteUnavailableError(c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", model.NewRemoteUnavailableError(c.baseURL,
			fmt.Errorf("一括ダウンロード開始がステータス %d を返しました", resp.StatusCode))
	}

	var parsed struct {
		JobID []string `json:"jobId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", model.NewRemoteUnavailableError(c.baseURL, err)
	}
	if len(parsed.JobID) == 0 || parsed.JobID[0] == "" {
		return "", model.NewJobFailedError(externalID, "ジョブIDが返されませんでした")
	}

	return parsed.JobID[0], nil
}

// PollJob はジョブの状態を照会し、まだ処理中ならtrueを返す。
// 対象ジョブが一覧に現れない場合は完了扱いとする。
func (c *Client) PollJob(ctx context.Context, externalID, jobID string) (bool, error) {
	query := url.Values{}
	query.Set("pretty_id", externalID)

	var resp struct {
		Jobs []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"jobs"`
	}
	if err := c.getJSON(ctx, "/background_job_logs", query, &resp); err != nil {
		return false, err
	}

	for _, job := range resp.Jobs {
		if job.ID == jobID && job.Status == "working" {
			return true, nil
		}
	}
	return false, nil
}

// FetchBulkResult は完了したジョブの成果物URLとファイル名を取得する。
func (c *Client) FetchBulkResult(ctx context.Context, externalID, jobID string) (*portal.BulkResult, error) {
	query := url.Values{}
	query.Set("jid", jobID)
	query.Set("request_id", externalID)

	var resp struct {
		URL      string `json:"url"`
		Filename string `json:"filename"`
	}
	if err := c.getJSON(ctx, "/client/documents/download", query, &resp); err != nil {
		return nil, err
	}

	if resp.URL == "" {
		return nil, model.NewJobFailedError(externalID, "成果物のURLが返されませんでした")
	}

	return &portal.BulkResult{URL: resp.URL, Filename: resp.Filename}, nil
}

// DownloadDocument は単一文書のストリームを開く。
func (c *Client) DownloadDocument(ctx context.Context, externalID, documentID string) (*portal.FileDownload, error) {
	query := url.Values{}
	query.Set("request_id", externalID)
	docURL := c.baseURL + "/documents/" + url.PathEscape(documentID) + "/download?" + query.Encode()
	return c.Fetch(ctx, docURL)
}

// Fetch は任意のURLのストリームを開く。成功時、Bodyのクローズ責任は
// 呼び出し元に移る。
func (c *Client) Fetch(ctx context.Context, rawURL string) (*portal.FileDownload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, model.NewRemoteUnavailableError(c.baseURL, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, model.NewRemoteUnavailableError(c.baseURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, model.NewRemoteUnavailableError(c.baseURL,
			fmt.Errorf("ファイル取得がステータス %d を返しました", resp.StatusCode))
	}

	return &portal.FileDownload{
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
		Filename:      filenameFromResponse(resp),
	}, nil
}

// filenameFromResponse はContent-Dispositionヘッダ、なければURLパス末尾から
// ファイル名を推定する。
func filenameFromResponse(resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		for _, part := range strings.Split(cd, ";") {
			part = strings.TrimSpace(part)
			if strings.HasPrefix(part, "filename=") {
				return strings.Trim(strings.TrimPrefix(part, "filename="), `"`)
			}
		}
	}
	if resp.Request != nil && resp.Request.URL != nil {
		segments := strings.Split(resp.Request.URL.Path, "/")
		if len(segments) > 0 {
			return segments[len(segments)-1]
		}
	}
	return ""
}

// getJSON はGETリクエストを送りJSON応答をoutにデコードする。
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return model.NewRemoteUnavailableError(c.baseURL, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.NewRemoteUnavailableError(c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.NewRemoteUnavailableError(c.baseURL,
			fmt.Errorf("%s がステータス %d を返しました", path, resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return model.NewRemoteUnavailableError(c.baseURL,
			fmt.Errorf("JSON応答の解析に失敗しました: %w", err))
	}
	return nil
}

// dateLayouts はポータルが返す日時表現の既知のバリエーション。
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02",
	"January 2, 2006",
	"2006/01/02",
}

// parseDate は既知のレイアウトを順に試して日時を解釈する。
func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// compile-time interface check
var _ portal.Client = (*Client)(nil)
