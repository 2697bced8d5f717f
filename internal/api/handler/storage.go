package handler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strings"
	"time"

	mw "github.com/sner-project/sner/internal/api/middleware"
	"github.com/sner-project/sner/internal/api/response"
	"github.com/sner-project/sner/internal/cache"
	"github.com/sner-project/sner/internal/storage"
	"github.com/sner-project/sner/internal/store"
	"github.com/sner-project/sner/pkg/filter"
	"github.com/sner-project/sner/pkg/models"
)

// storageCacheTTL bounds staleness of cached public storage replies.
const storageCacheTTL = 60 * time.Second

// filterArgStart is the first positional SQL argument available for a
// compiled filter; $1 always carries the caller's network grant.
const filterArgStart = 2

// StorageHandlers serves the public storage query endpoints. Every
// reply is restricted to the caller's api_networks grant. Cache is
// optional and fail-open.
type StorageHandlers struct {
	store store.StorageStore
	cache cache.Cache
}

func NewStorageHandlers(st store.StorageStore, c cache.Cache) *StorageHandlers {
	return &StorageHandlers{store: st, cache: c}
}

// ServicelistItem is one row of the servicelist reply.
type ServicelistItem struct {
	Address  string   `json:"address"`
	Hostname string   `json:"hostname"`
	Proto    string   `json:"proto"`
	Port     int      `json:"port"`
	State    string   `json:"state"`
	Info     string   `json:"info"`
	Tags     []string `json:"tags"`
	Comment  string   `json:"comment"`
}

// NotelistItem is one row of the notelist reply.
type NotelistItem struct {
	Address   string   `json:"address"`
	Hostname  string   `json:"hostname"`
	Xtype     string   `json:"xtype"`
	Data      string   `json:"data"`
	Tags      []string `json:"tags"`
	ViaTarget string   `json:"via_target"`
}

// Host handles POST /api/v2/public/storage/host.
func (h *StorageHandlers) Host(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		response.Error(w, http.StatusUnprocessableEntity, "invalid request")
		return
	}

	if !addrInNetworks(req.Address, mw.GetAPINetworks(r)) {
		response.Error(w, http.StatusForbidden, "forbidden")
		return
	}

	host, err := h.store.GetHostByAddress(r.Context(), req.Address)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	response.JSON(w, host)
}

// Range handles POST /api/v2/public/storage/range.
func (h *StorageHandlers) Range(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CIDR string `json:"cidr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusUnprocessableEntity, "invalid request")
		return
	}
	if _, err := netip.ParsePrefix(req.CIDR); err != nil {
		response.Error(w, http.StatusUnprocessableEntity, "invalid cidr")
		return
	}

	hosts, err := h.store.ListHostsByRange(r.Context(), req.CIDR)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	networks := mw.GetAPINetworks(r)
	allowed := make([]*models.Host, 0, len(hosts))
	for _, host := range hosts {
		if addrInNetworks(host.Address, networks) {
			allowed = append(allowed, host)
		}
	}
	response.JSON(w, allowed)
}

// Servicelist handles POST /api/v2/public/storage/servicelist.
func (h *StorageHandlers) Servicelist(w http.ResponseWriter, r *http.Request) {
	h.filtered(w, r, "servicelist", storage.ServiceColumns, func(ctx context.Context, f store.StorageFilter) (any, error) {
		services, hosts, err := h.store.ListServices(ctx, f)
		if err != nil {
			return nil, err
		}
		items := make([]ServicelistItem, 0, len(services))
		for _, svc := range services {
			host := hosts[svc.HostID]
			items = append(items, ServicelistItem{
				Address:  host.Address,
				Hostname: host.Hostname,
				Proto:    svc.Proto,
				Port:     svc.Port,
				State:    svc.State,
				Info:     svc.Info,
				Tags:     svc.Tags,
				Comment:  svc.Comment,
			})
		}
		return items, nil
	})
}

// Notelist handles POST /api/v2/public/storage/notelist.
func (h *StorageHandlers) Notelist(w http.ResponseWriter, r *http.Request) {
	h.filtered(w, r, "notelist", storage.NoteColumns, func(ctx context.Context, f store.StorageFilter) (any, error) {
		notes, hosts, err := h.store.ListNotes(ctx, f)
		if err != nil {
			return nil, err
		}
		items := make([]NotelistItem, 0, len(notes))
		for _, note := range notes {
			host := hosts[note.HostID]
			items = append(items, NotelistItem{
				Address:   host.Address,
				Hostname:  host.Hostname,
				Xtype:     note.Xtype,
				Data:      note.Data,
				Tags:      note.Tags,
				ViaTarget: note.ViaTarget,
			})
		}
		return items, nil
	})
}

// Versioninfo handles POST /api/v2/public/storage/versioninfo.
func (h *StorageHandlers) Versioninfo(w http.ResponseWriter, r *http.Request) {
	h.filtered(w, r, "versioninfo", storage.VersioninfoColumns, func(ctx context.Context, f store.StorageFilter) (any, error) {
		return h.store.ListVersioninfo(ctx, f)
	})
}

// Vulnsearch handles POST /api/v2/public/storage/vulnsearch.
func (h *StorageHandlers) Vulnsearch(w http.ResponseWriter, r *http.Request) {
	h.filtered(w, r, "vulnsearch", storage.VulnsearchColumns, func(ctx context.Context, f store.StorageFilter) (any, error) {
		return h.store.ListVulnsearch(ctx, f)
	})
}

// filtered runs one of the list endpoints: it decodes the optional
// filter expression, compiles it against the endpoint's column map and
// serves the result through the cache.
func (h *StorageHandlers) filtered(
	w http.ResponseWriter, r *http.Request,
	endpoint string, columns storage.ColumnMap,
	list func(ctx context.Context, f store.StorageFilter) (any, error),
) {
	var req struct {
		Filter string `json:"filter"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusUnprocessableEntity, "invalid request")
			return
		}
	}

	f := store.StorageFilter{Networks: mw.GetAPINetworks(r)}
	if req.Filter != "" {
		expr, err := filter.Parse(req.Filter)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "invalid filter")
			return
		}
		where, args, err := storage.CompileFilter(expr, columns, filterArgStart)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "invalid filter")
			return
		}
		f.Where, f.Args = where, args
	}

	cacheKey := cache.StorageResultKey(endpoint, requestHash(req.Filter, f.Networks))
	if h.cache != nil {
		if raw, found, err := h.cache.Get(r.Context(), cacheKey); err == nil && found {
			w.Header().Set("Content-Type", "application/json")
			w.Write(raw)
			return
		}
	}

	items, err := list(r.Context(), f)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	raw, err := json.Marshal(items)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	if h.cache != nil {
		h.cache.Set(r.Context(), cacheKey, raw, storageCacheTTL)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

// addrInNetworks reports whether an address falls into the caller's
// network grant.
func addrInNetworks(address string, networks []string) bool {
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, network := range networks {
		prefix, err := netip.ParsePrefix(network)
		if err != nil {
			continue
		}
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func requestHash(filterExpr string, networks []string) string {
	sum := sha256.Sum256([]byte(filterExpr + "|" + strings.Join(networks, ",")))
	return hex.EncodeToString(sum[:8])
}
