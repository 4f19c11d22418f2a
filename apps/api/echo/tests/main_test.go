package tests

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	echoapi "github.com/trezcool/kanisa/apps/api/echo"
	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/attendance"
	"github.com/trezcool/kanisa/core/events"
	"github.com/trezcool/kanisa/core/officer"
	emailsvc "github.com/trezcool/kanisa/services/email"
	inmemdb "github.com/trezcool/kanisa/storage/database/inmem"
	testutil "github.com/trezcool/kanisa/tests"
)

var errMissingToken = httpErr{Error: "missing or malformed jwt"}

// env is a fresh API backed by in-memory repositories.
type env struct {
	conf        *core.Config
	app         *echoapi.Server
	officerRepo officer.Repository
	attRepo     attendance.Repository
	broker      *events.Broker
	mailSvc     *emailsvc.ConsoleServiceMock
}

func setup(t *testing.T) *env {
	t.Helper()

	conf := core.NewTestConfig()
	logger := testutil.NopLogger{}

	db := inmemdb.NewDB()
	e := &env{
		conf:        conf,
		officerRepo: inmemdb.NewOfficerRepository(db),
		attRepo:     inmemdb.NewAttendanceRepository(db),
		broker:      events.NewBroker(),
		mailSvc:     emailsvc.NewConsoleServiceMock(conf, logger),
	}

	validate, translator := testutil.NewValidator()
	e.app = echoapi.NewServer(
		"",  /* addr */
		nil, /* shutdown */
		&echoapi.Deps{
			Conf:           conf,
			Logger:         logger,
			OfficerSvc:     officer.NewService(e.officerRepo),
			AttendanceSvc:  attendance.NewService(e.attRepo, e.broker, e.mailSvc, logger, conf),
			Events:         e.broker,
			Validate:       validate,
			Translator:     translator,
			DisableReqLogs: true,
		},
	)
	return e
}

func (e *env) serve(req *http.Request, rec *httptest.ResponseRecorder) {
	e.app.ServeHTTP(rec, req)
}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	wantCode int
	wantData []byte
	extra    interface{}
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func newRequest(method, path string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	return newAuthRequest(method, path, "", data...)
}

func getToken(t *testing.T, conf *core.Config, o officer.Officer) string {
	token, err := echoapi.GenerateToken(conf, echoapi.GetOfficerClaims(conf, o))
	if err != nil {
		t.Fatalf("getToken(): %v", err)
	}
	return token
}

func marchallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marchallObj(): %v", err)
	}
	return data
}

func marchallList(t *testing.T, objs ...interface{}) []byte {
	if objs == nil {
		objs = []interface{}{}
	}
	data, err := json.Marshal(objs)
	if err != nil {
		t.Fatalf("marchallList(): %v", err)
	}
	return data
}

func jsonBytesEqual(b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	return reflect.DeepEqual(j1, j2), nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	t.Helper()
	if rec.Code != tt.wantCode {
		t.Errorf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
	}
	if tt.wantData == nil {
		return
	}
	ok, err := jsonBytesEqual(rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}

func runHTTPTests(t *testing.T, e *env, tests []httpTest) {
	t.Helper()
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			method := tt.method
			if method == "" {
				method = http.MethodGet
			}
			req, rec := newAuthRequest(method, tt.path, tt.token, tt.body)
			e.serve(req, rec)
			checkCodeAndData(t, tt, rec)
		})
	}
}
