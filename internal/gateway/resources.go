package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"isp-saas.com/netsync/internal/models"
	"isp-saas.com/netsync/internal/payments"
	"isp-saas.com/netsync/internal/store"
)

func (g *Gateway) routes() *mux.Router {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/" + Version).Subrouter()

	v1.HandleFunc("/customers", g.listCustomers).Methods(http.MethodGet)
	v1.HandleFunc("/customers", g.createCustomer).Methods(http.MethodPost)
	v1.HandleFunc("/customers/{id:[0-9]+}", g.getCustomer).Methods(http.MethodGet)
	v1.HandleFunc("/customers/{id:[0-9]+}", g.updateCustomer).Methods(http.MethodPut, http.MethodPatch)

	v1.HandleFunc("/bills", g.listBills).Methods(http.MethodGet)
	v1.HandleFunc("/bills", g.createBill).Methods(http.MethodPost)
	v1.HandleFunc("/bills/{id:[0-9]+}", g.getBill).Methods(http.MethodGet)

	v1.HandleFunc("/payments", g.listPayments).Methods(http.MethodGet)
	v1.HandleFunc("/payments", g.createPayment).Methods(http.MethodPost)
	v1.HandleFunc("/payments/{id:[0-9]+}", g.getPayment).Methods(http.MethodGet)

	v1.HandleFunc("/packages", g.listPackages).Methods(http.MethodGet)
	v1.HandleFunc("/packages/{id:[0-9]+}", g.getPackage).Methods(http.MethodGet)

	// Mismatches under /v1 are answered by the subrouter, not r.
	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendError(w, r, http.StatusNotFound, "unknown resource")
	})
	notAllowed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendError(w, r, http.StatusMethodNotAllowed, "method "+r.Method+" not allowed on "+resourceOf(r.URL.Path))
	})
	r.NotFoundHandler, v1.NotFoundHandler = notFound, notFound
	r.MethodNotAllowedHandler, v1.MethodNotAllowedHandler = notAllowed, notAllowed
	return r
}

func tenantOf(r *http.Request) int64 {
	return stateFrom(r).key.TenantID
}

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

func pageOf(r *http.Request) store.Page {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	return store.Page{Limit: limit, Offset: offset}.Normalize()
}

func decode(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// fail maps store errors onto the envelope.
func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, what string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		sendError(w, r, http.StatusNotFound, what+" not found")
	case errors.Is(err, store.ErrDuplicate):
		sendError(w, r, http.StatusConflict, what+" already exists")
	case errors.Is(err, payments.ErrInvalidPayment):
		sendError(w, r, http.StatusBadRequest, err.Error())
	default:
		g.logger.Error("Gateway request failed", "resource", what, "path", r.URL.Path, "error", err)
		sendError(w, r, http.StatusInternalServerError, "internal server error")
	}
}

func (g *Gateway) listCustomers(w http.ResponseWriter, r *http.Request) {
	rows, err := g.store.ListCustomers(r.Context(), tenantOf(r), pageOf(r))
	if err != nil {
		g.fail(w, r, "customers", err)
		return
	}
	sendData(w, http.StatusOK, rows)
}

func (g *Gateway) getCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := g.store.GetCustomer(r.Context(), tenantOf(r), pathID(r))
	if err != nil {
		g.fail(w, r, "customer", err)
		return
	}
	sendData(w, http.StatusOK, c)
}

type customerRequest struct {
	Name             *string `json:"name"`
	Phone            *string `json:"phone"`
	PackageID        *int64  `json:"package_id"`
	NetworkUsername  *string `json:"network_username"`
	ConnectionStatus string  `json:"connection_status"`
}

func (g *Gateway) createCustomer(w http.ResponseWriter, r *http.Request) {
	var req customerRequest
	if err := decode(r, &req); err != nil {
		sendError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == nil || strings.TrimSpace(*req.Name) == "" {
		sendError(w, r, http.StatusBadRequest, "name is required")
		return
	}
	status := req.ConnectionStatus
	if status == "" {
		status = models.ConnectionPending
	}
	if status != models.ConnectionPending && status != models.ConnectionActive {
		sendError(w, r, http.StatusBadRequest, "connection_status must be pending or active")
		return
	}

	c := &models.Customer{
		TenantID:         tenantOf(r),
		Name:             strings.TrimSpace(*req.Name),
		PackageID:        req.PackageID,
		ConnectionStatus: status,
	}
	if req.Phone != nil {
		c.Phone = *req.Phone
	}
	if req.NetworkUsername != nil && *req.NetworkUsername != "" {
		c.NetworkUsername = req.NetworkUsername
	}
	if err := g.store.CreateCustomer(r.Context(), c); err != nil {
		g.fail(w, r, "package", err)
		return
	}
	sendData(w, http.StatusCreated, c)
}

func (g *Gateway) updateCustomer(w http.ResponseWriter, r *http.Request) {
	var req customerRequest
	if err := decode(r, &req); err != nil {
		sendError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ConnectionStatus != "" {
		sendError(w, r, http.StatusBadRequest, "connection_status is managed by billing and cannot be set here")
		return
	}
	tenantID := tenantOf(r)
	before, err := g.store.GetCustomer(r.Context(), tenantID, pathID(r))
	if err != nil {
		g.fail(w, r, "customer", err)
		return
	}
	after, err := g.store.UpdateCustomer(r.Context(), tenantID, before.ID, store.CustomerUpdate{
		Name:            req.Name,
		Phone:           req.Phone,
		PackageID:       req.PackageID,
		NetworkUsername: req.NetworkUsername,
	})
	if err != nil {
		g.fail(w, r, "customer", err)
		return
	}

	packageChanged := req.PackageID != nil && (before.PackageID == nil || *before.PackageID != *req.PackageID)
	if packageChanged && after.ConnectionStatus == models.ConnectionActive && g.notifier != nil {
		if _, err := g.notifier.OnStateChange(r.Context(), after, models.ActionUpdateSpeed, "api_key:"+stateFrom(r).key.KeyPrefix); err != nil {
			g.logger.Error("Failed to queue speed update", "customer_id", after.ID, "error", err)
		}
	}
	sendData(w, http.StatusOK, after)
}

func (g *Gateway) listBills(w http.ResponseWriter, r *http.Request) {
	f := store.BillFilter{Status: r.URL.Query().Get("status"), Page: pageOf(r)}
	if v := r.URL.Query().Get("customer_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			sendError(w, r, http.StatusBadRequest, "invalid customer_id")
			return
		}
		f.CustomerID = &id
	}
	rows, err := g.store.ListBills(r.Context(), tenantOf(r), f)
	if err != nil {
		g.fail(w, r, "bills", err)
		return
	}
	sendData(w, http.StatusOK, rows)
}

func (g *Gateway) getBill(w http.ResponseWriter, r *http.Request) {
	b, err := g.store.GetBill(r.Context(), tenantOf(r), pathID(r))
	if err != nil {
		g.fail(w, r, "bill", err)
		return
	}
	sendData(w, http.StatusOK, b)
}

type billRequest struct {
	CustomerID int64   `json:"customer_id"`
	Amount     float64 `json:"amount"`
	DueDate    string  `json:"due_date"`
}

func (g *Gateway) createBill(w http.ResponseWriter, r *http.Request) {
	var req billRequest
	if err := decode(r, &req); err != nil {
		sendError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	due, err := time.Parse("2006-01-02", req.DueDate)
	if err != nil {
		sendError(w, r, http.StatusBadRequest, "due_date must be YYYY-MM-DD")
		return
	}
	if req.Amount <= 0 || req.CustomerID == 0 {
		sendError(w, r, http.StatusBadRequest, "customer_id and a positive amount are required")
		return
	}
	b := &models.Bill{TenantID: tenantOf(r), CustomerID: req.CustomerID, Amount: req.Amount, Status: models.BillPending, DueDate: due}
	if err := g.store.CreateBill(r.Context(), b); err != nil {
		g.fail(w, r, "customer", err)
		return
	}
	sendData(w, http.StatusCreated, b)
}

func (g *Gateway) listPayments(w http.ResponseWriter, r *http.Request) {
	rows, err := g.store.ListPayments(r.Context(), tenantOf(r), pageOf(r))
	if err != nil {
		g.fail(w, r, "payments", err)
		return
	}
	sendData(w, http.StatusOK, rows)
}

func (g *Gateway) getPayment(w http.ResponseWriter, r *http.Request) {
	p, err := g.store.GetPayment(r.Context(), tenantOf(r), pathID(r))
	if err != nil {
		g.fail(w, r, "payment", err)
		return
	}
	sendData(w, http.StatusOK, p)
}

func (g *Gateway) createPayment(w http.ResponseWriter, r *http.Request) {
	var in payments.Input
	if err := decode(r, &in); err != nil {
		sendError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	in.TenantID = tenantOf(r)
	in.Source = "gateway"
	out, err := g.payments.Apply(r.Context(), in)
	if err != nil {
		g.fail(w, r, "customer or bill", err)
		return
	}
	status := http.StatusCreated
	if out.Duplicate {
		status = http.StatusOK
	}
	sendData(w, status, out)
}

func (g *Gateway) listPackages(w http.ResponseWriter, r *http.Request) {
	rows, err := g.store.ListPackages(r.Context(), tenantOf(r))
	if err != nil {
		g.fail(w, r, "packages", err)
		return
	}
	sendData(w, http.StatusOK, rows)
}

func (g *Gateway) getPackage(w http.ResponseWriter, r *http.Request) {
	p, err := g.store.GetPackage(r.Context(), tenantOf(r), pathID(r))
	if err != nil {
		g.fail(w, r, "package", err)
		return
	}
	sendData(w, http.StatusOK, p)
}
