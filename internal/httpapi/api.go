package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yuqie6/WorkTrail/internal/bootstrap"
	"github.com/yuqie6/WorkTrail/internal/dto"
	"github.com/yuqie6/WorkTrail/internal/eventbus"
	"github.com/yuqie6/WorkTrail/internal/pkg/buildinfo"
)

type apiServer struct {
	core      *bootstrap.Core
	hub       *eventbus.Hub
	startTime time.Time
}

func newAPI(core *bootstrap.Core, hub *eventbus.Hub) *apiServer {
	return &apiServer{core: core, hub: hub, startTime: time.Now()}
}

func (a *apiServer) registerJSONRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/status", a.wrapGET(a.getStatus))
	mux.HandleFunc("/api/versions", a.wrapGET(a.listVersions))
	mux.HandleFunc("/api/versions/detail", a.wrapGET(a.getVersionDetail))
	mux.HandleFunc("/api/transactions", a.wrapGET(a.getTransaction))
}

func (a *apiServer) wrapGET(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		fn(w, r)
	}
}

// ========== handlers ==========

func (a *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"name":       a.core.Cfg.App.Name,
		"version":    buildinfo.String(),
		"started_at": a.startTime.Format(time.RFC3339),
	})
}

func (a *apiServer) getStatus(w http.ResponseWriter, r *http.Request) {
	c := a.core
	out := dto.StatusDTO{
		App: dto.AppStatusDTO{
			Name:      c.Cfg.App.Name,
			Version:   buildinfo.String(),
			StartedAt: a.startTime.Format(time.RFC3339),
			UptimeSec: int64(time.Since(a.startTime).Seconds()),
			SafeMode:  c.DB.SafeMode,
		},
		Storage: dto.StorageStatusDTO{
			Driver:         c.DB.Driver,
			SchemaVersion:  c.DB.SchemaVersion,
			SafeModeReason: c.DB.MigrationError,
		},
		Trail: dto.TrailStatusDTO{
			Serializer: c.Cfg.Trail.Serializer,
			Models:     []string{},
			Forwarding: c.Forwarding(),
		},
	}
	if c.Trail != nil {
		out.Trail.Enabled = c.Trail.Enabled()
		out.Trail.TrackAssociations = c.Trail.TrackingAssociations()
		out.Trail.Models = c.Trail.Registered()
	}
	writeJSON(w, http.StatusOK, out)
}

// listVersions 带 item_id 时返回实体完整历史，否则返回最近的版本
func (a *apiServer) listVersions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	itemType := strings.TrimSpace(q.Get("item_type"))

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if raw := strings.TrimSpace(q.Get("item_id")); raw != "" {
		if itemType == "" {
			writeError(w, http.StatusBadRequest, "item_type 不能为空")
			return
		}
		itemID, err := parseInt64Param(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "item_id 参数无效")
			return
		}
		versions, err := a.core.Repos.Versions.ListByItem(ctx, itemType, itemID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, dto.FromVersions(versions))
		return
	}

	limit := 50
	if s := strings.TrimSpace(q.Get("limit")); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	versions, err := a.core.Repos.Versions.ListRecent(ctx, itemType, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dto.FromVersions(versions))
}

func (a *apiServer) getVersionDetail(w http.ResponseWriter, r *http.Request) {
	id, err := parseInt64Param(r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "id 参数无效")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	v, err := a.core.Repos.Versions.GetByID(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if v == nil {
		writeError(w, http.StatusNotFound, "版本不存在")
		return
	}

	out := dto.VersionDetailDTO{VersionDTO: dto.FromVersion(*v)}
	if a.core.Trail != nil {
		decoded, err := a.core.Trail.Decode(v)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out.Object = decoded.Object
		out.Changes = decoded.Changes
	}
	assocs, err := a.core.Repos.Associations.ListByVersionID(ctx, v.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out.Associations = dto.FromAssociations(assocs)
	writeJSON(w, http.StatusOK, out)
}

func (a *apiServer) getTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := parseInt64Param(r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "id 参数无效")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	versions, err := a.core.Repos.Versions.ListByTransaction(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(versions) == 0 {
		writeError(w, http.StatusNotFound, "事务不存在")
		return
	}
	assocs, err := a.core.Repos.Associations.ListByTransactionID(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dto.TransactionDTO{
		TransactionID: id,
		Versions:      dto.FromVersions(versions),
		Associations:  dto.FromAssociations(assocs),
	})
}
