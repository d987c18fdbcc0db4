package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-ledger/internal/errs"
	"github.com/zombor/receipt-ledger/internal/pipeline"
	"github.com/zombor/receipt-ledger/internal/receipt"
	"github.com/zombor/receipt-ledger/internal/validation"
)

var _ = Describe("Server", func() {
	var (
		db          *receipt.BoltDB
		storage     *mockStorage
		processor   *mockProcessor
		auth        BasicAuth
		cors        CORS
		ghttpServer *ghttp.Server
		userID      string
	)

	BeforeEach(func() {
		var err error
		db, err = receipt.NewBoltDB(filepath.Join(GinkgoT().TempDir(), "test.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(db.Close)

		storage = newMockStorage()
		processor = &mockProcessor{}
		auth = BasicAuth{}
		cors = CORS{FrontendURL: "https://ledger.example.com"}
		userID = "user-1"
	})

	JustBeforeEach(func() {
		v, err := validation.NewValidator(validation.DefaultConfig())
		Expect(err).NotTo(HaveOccurred())

		now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
		service := receipt.NewServiceWithDeps(db, storage, v, 1024, &sequenceIDGenerator{}, fixedTimeSource{now: now})
		server := NewServerWithMux(service, processor, auth, http.NewServeMux()).WithCORS(cors)

		ghttpServer = ghttp.NewServer()
		for _, method := range []string{"GET", "POST", "DELETE", "OPTIONS"} {
			ghttpServer.RouteToHandler(method, regexp.MustCompile(`^/`), server.ServeHTTP)
		}
		DeferCleanup(ghttpServer.Close)
	})

	do := func(method, path string, body io.Reader, contentType string) *http.Response {
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if userID != "" {
			req.Header.Set(UserHeader, userID)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	decode := func(resp *http.Response, v any) {
		Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
	}

	upload := func(filename string, data []byte, query string) *http.Response {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", filename)
		Expect(err).NotTo(HaveOccurred())
		_, err = fw.Write(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(mw.Close()).To(Succeed())
		return do("POST", "/api/receipts"+query, &buf, mw.FormDataContentType())
	}

	Describe("GET /health", func() {
		It("reports ok without a user", func() {
			userID = ""
			resp := do("GET", "/health", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body map[string]string
			decode(resp, &body)
			Expect(body).To(Equal(map[string]string{"status": "ok"}))
		})
	})

	Describe("CORS", func() {
		fromOrigin := func(method, origin string) *http.Response {
			req, err := http.NewRequest(method, ghttpServer.URL()+"/api/receipts", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set(UserHeader, "user-1")
			req.Header.Set("Origin", origin)
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(resp.Body.Close)
			return resp
		}

		It("answers a preflight from the frontend with no content", func() {
			resp := fromOrigin("OPTIONS", "https://ledger.example.com")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("https://ledger.example.com"))
			Expect(resp.Header.Get("Access-Control-Allow-Headers")).To(ContainSubstring(UserHeader))
			Expect(resp.Header.Values("Vary")).To(ContainElement("Origin"))
		})

		It("does not allow other origins", func() {
			resp := fromOrigin("GET", "https://evil.example.net")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(BeEmpty())
		})

		It("does not allow localhost outside development", func() {
			resp := fromOrigin("GET", "http://localhost:5173")
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(BeEmpty())
		})

		When("localhost origins are allowed", func() {
			BeforeEach(func() {
				cors.AllowLocalhost = true
			})

			It("echoes a localhost origin", func() {
				resp := fromOrigin("GET", "http://localhost:5173")
				Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("http://localhost:5173"))
			})

			It("echoes a loopback origin", func() {
				resp := fromOrigin("GET", "http://127.0.0.1:3000")
				Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("http://127.0.0.1:3000"))
			})

			It("still refuses other hosts", func() {
				resp := fromOrigin("GET", "http://localhost.evil.example.net")
				Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(BeEmpty())
			})
		})
	})

	When("the user header is missing", func() {
		It("returns unauthorized", func() {
			userID = ""
			resp := do("GET", "/api/receipts", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})
	})

	When("basic auth is configured", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
		})

		request := func(credentials string) *http.Response {
			req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/receipts", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set(UserHeader, "user-1")
			if credentials != "" {
				req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(credentials)))
			}
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(resp.Body.Close)
			return resp
		}

		It("rejects missing credentials", func() {
			resp := request("")
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
		})

		It("rejects a wrong password", func() {
			Expect(request("admin:wrong").StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("accepts valid credentials", func() {
			Expect(request("admin:secret").StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("POST /api/receipts", func() {
		It("stores the receipt in the uploaded state", func() {
			resp := upload("lunch.jpg", []byte("jpeg bytes"), "")
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			var rcpt receipt.Receipt
			decode(resp, &rcpt)
			Expect(rcpt.ID).To(Equal("id-1"))
			Expect(rcpt.UserID).To(Equal("user-1"))
			Expect(rcpt.State).To(Equal(receipt.StateUploaded))
			Expect(rcpt.ContentType).To(Equal("image/jpeg"))
			Expect(processor.calls).To(BeEmpty())
		})

		It("rejects an unsupported file type", func() {
			resp := upload("notes.txt", []byte("hello"), "")
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))

			var body errorResponse
			decode(resp, &body)
			Expect(body.Code).To(Equal(string(errs.KindInput)))
		})

		It("rejects a file over the upload limit", func() {
			resp := upload("big.jpg", bytes.Repeat([]byte("x"), 2048), "")
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))

			var body errorResponse
			decode(resp, &body)
			Expect(body.Fields).To(HaveKeyWithValue("file", "too large"))
		})

		It("rejects a request without a file", func() {
			resp := do("POST", "/api/receipts", strings.NewReader("{}"), "application/json")
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
		})

		When("processing is requested", func() {
			BeforeEach(func() {
				processor.outcome = &pipeline.Outcome{
					Receipt: &receipt.Receipt{ID: "id-1", State: receipt.StateExtracted},
					Expense: &receipt.Expense{ID: "expense-1", Vendor: "CAFE LUNA"},
				}
			})

			It("runs the pipeline and returns the outcome", func() {
				resp := upload("lunch.jpg", []byte("jpeg bytes"), "?process=true")
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				Expect(processor.calls).To(Equal([]string{"user-1/id-1"}))

				var outcome pipeline.Outcome
				decode(resp, &outcome)
				Expect(outcome.Expense.Vendor).To(Equal("CAFE LUNA"))
			})
		})
	})

	Describe("receipt lookups", func() {
		JustBeforeEach(func() {
			Expect(upload("lunch.png", []byte("png bytes"), "").StatusCode).To(Equal(http.StatusCreated))
		})

		It("lists the user's receipts", func() {
			resp := do("GET", "/api/receipts", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var receipts []receipt.Receipt
			decode(resp, &receipts)
			Expect(receipts).To(HaveLen(1))
		})

		It("returns a receipt by id", func() {
			resp := do("GET", "/api/receipts/id-1", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("serves the image", func() {
			resp := do("GET", "/api/receipts/id-1/file", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(Equal("png bytes"))
		})

		It("lists attempts", func() {
			resp := do("GET", "/api/receipts/id-1/attempts", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("hides receipts of other users", func() {
			userID = "user-2"
			resp := do("GET", "/api/receipts/id-1", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))

			var body errorResponse
			decode(resp, &body)
			Expect(body.Code).To(Equal(string(errs.KindNotFound)))
		})

		It("deletes a receipt", func() {
			Expect(do("DELETE", "/api/receipts/id-1", nil, "").StatusCode).To(Equal(http.StatusNoContent))
			Expect(do("GET", "/api/receipts/id-1", nil, "").StatusCode).To(Equal(http.StatusNotFound))
			Expect(storage.files).To(BeEmpty())
		})
	})

	Describe("POST /api/receipts/{id}/process", func() {
		When("the pipeline succeeds", func() {
			BeforeEach(func() {
				processor.outcome = &pipeline.Outcome{Receipt: &receipt.Receipt{ID: "r-1", State: receipt.StateExtracted}}
			})

			It("returns the outcome", func() {
				resp := do("POST", "/api/receipts/r-1/process", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(processor.calls).To(Equal([]string{"user-1/r-1"}))
			})
		})

		When("another run holds the receipt", func() {
			BeforeEach(func() {
				processor.outcome = &pipeline.Outcome{Receipt: &receipt.Receipt{ID: "r-1", State: receipt.StateOCRPending}}
				processor.processErr = errs.NewConflictError("receipt r-1 is already being processed")
			})

			It("returns conflict with the current state", func() {
				resp := do("POST", "/api/receipts/r-1/process", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusConflict))

				var body errorResponse
				decode(resp, &body)
				Expect(body.Code).To(Equal(string(errs.KindConsistency)))
				Expect(body.Outcome.Receipt.State).To(Equal(receipt.StateOCRPending))
			})
		})

		When("the pipeline fails unexpectedly", func() {
			BeforeEach(func() {
				processor.processErr = errBoom
			})

			It("hides the error", func() {
				resp := do("POST", "/api/receipts/r-1/process", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))

				var body errorResponse
				decode(resp, &body)
				Expect(body.Error).To(Equal("Internal server error"))
			})
		})
	})

	Describe("POST /api/receipts/{id}/expense", func() {
		BeforeEach(func() {
			processor.outcome = &pipeline.Outcome{
				Receipt: &receipt.Receipt{ID: "r-1", State: receipt.StateExtracted},
				Expense: &receipt.Expense{ID: "expense-1", Vendor: "CAFE LUNA", Amount: decimal.RequireFromString("45.00")},
			}
		})

		It("returns a new expense as created", func() {
			resp := do("POST", "/api/receipts/r-1/expense", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			var expense receipt.Expense
			decode(resp, &expense)
			Expect(expense.ID).To(Equal("expense-1"))
		})

		It("returns a replayed expense as ok", func() {
			processor.outcome.Replayed = true
			resp := do("POST", "/api/receipts/r-1/expense", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("expenses", func() {
		create := func(body string) *http.Response {
			return do("POST", "/api/expenses", strings.NewReader(body), "application/json")
		}

		It("records a manual expense", func() {
			resp := create(`{"vendor": "Corner Deli", "amount": "12.50", "currency": "USD", "date": "2024-03-14", "category": "dining"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			var expense receipt.Expense
			decode(resp, &expense)
			Expect(expense.Source).To(Equal(receipt.SourceManual))
			Expect(expense.Amount.Equal(decimal.RequireFromString("12.50"))).To(BeTrue())
		})

		It("reports invalid fields", func() {
			resp := create(`{"amount": "12.50", "date": "2024-03-14"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))

			var body errorResponse
			decode(resp, &body)
			Expect(body.Code).To(Equal(string(errs.KindValidation)))
			Expect(body.Fields).To(HaveKeyWithValue("vendor", "required"))
		})

		It("rejects a malformed body", func() {
			Expect(create(`{`).StatusCode).To(Equal(http.StatusUnprocessableEntity))
		})

		When("expenses exist", func() {
			JustBeforeEach(func() {
				Expect(create(`{"vendor": "Corner Deli", "amount": "12.50", "date": "2024-03-14", "category": "dining"}`).StatusCode).To(Equal(http.StatusCreated))
				Expect(create(`{"vendor": "City Cab", "amount": "30.00", "date": "2024-04-02", "category": "transportation"}`).StatusCode).To(Equal(http.StatusCreated))
			})

			list := func(query string) []receipt.Expense {
				resp := do("GET", "/api/expenses"+query, nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				var expenses []receipt.Expense
				decode(resp, &expenses)
				return expenses
			}

			It("lists all of them", func() {
				Expect(list("")).To(HaveLen(2))
			})

			It("filters by category", func() {
				expenses := list("?category=transportation")
				Expect(expenses).To(HaveLen(1))
				Expect(expenses[0].Vendor).To(Equal("City Cab"))
			})

			It("filters by date range", func() {
				expenses := list("?from=2024-03-01&to=2024-03-31")
				Expect(expenses).To(HaveLen(1))
				Expect(expenses[0].Vendor).To(Equal("Corner Deli"))
			})

			It("rejects a malformed date", func() {
				resp := do("GET", "/api/expenses?from=March", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
			})
		})
	})
})
