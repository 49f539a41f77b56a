package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"kit-tracker/internal/controller"
	"kit-tracker/internal/directory"
	"kit-tracker/internal/excel"
	"kit-tracker/internal/models"
	"kit-tracker/internal/session"
)

const (
	minNearbyRadiusKm = 1
	maxNearbyRadiusKm = 200
	maxAwait          = 30 * time.Second
)

func (s *Server) getSession(c *gin.Context) {
	current := s.deps.Sessions.Current()
	res := gin.H{
		"ok":      true,
		"session": current,
		"counts":  current.Counts(),
	}
	if pending, ok := s.deps.Sessions.Pending(); ok {
		res["pending"] = pending
	}
	if flow, ok := s.deps.Controller.Active(); ok {
		res["activeFlow"] = flow
	}
	if err := s.deps.Sessions.LastStorageError(); err != nil {
		res["storageError"] = err.Error()
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) newSession(c *gin.Context) {
	fresh := s.deps.Controller.StartNewSession(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"ok": true, "session": fresh})
}

func (s *Server) exportSession(c *gin.Context) {
	current := s.deps.Sessions.Current()
	var buf bytes.Buffer
	if err := excel.WriteSession(&buf, current); err != nil {
		s.logger.Error("session export failed", zap.String("session_id", current.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "export failed"})
		return
	}
	filename := fmt.Sprintf("kits-%s.xlsx", current.StartedAt.UTC().Format("20060102-150405"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

func (s *Server) getKit(c *gin.Context) {
	kit, ok := s.deps.Sessions.GetKitByID(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "kit not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "kit": kit})
}

type scanRequest struct {
	Code string `json:"code" binding:"required"`
	// Location is what the device reported for this scan. Absent means the
	// device could not produce a fix; LocationError carries its reason.
	Location      *models.Coordinate `json:"location"`
	LocationError string             `json:"locationError"`
}

func (s *Server) scan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "code is required"})
		return
	}

	flow, err := s.deps.Controller.Scan(c.Request.Context(), req.Code, deviceLocator(req))
	if err != nil {
		s.writeError(c, err, flow)
		return
	}

	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		ctx, cancel := context.WithTimeout(c.Request.Context(), maxAwait)
		defer cancel()
		if settled, err := s.deps.Controller.Await(ctx, flow.ID); err == nil {
			flow = settled
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"ok": true, "flow": flow})
}

// deviceLocator turns the location reported in a scan request into a Locator.
func deviceLocator(req scanRequest) controller.Locator {
	return controller.LocatorFunc(func(context.Context) (models.Coordinate, error) {
		if req.Location == nil {
			reason := req.LocationError
			if reason == "" {
				reason = "no location reported"
			}
			return models.Coordinate{}, fmt.Errorf("%w: %s", controller.ErrLocationUnavailable, reason)
		}
		loc := *req.Location
		if !validCoordinate(loc.Latitude, loc.Longitude) {
			return models.Coordinate{}, fmt.Errorf("%w: coordinates out of range", controller.ErrLocationUnavailable)
		}
		if loc.Timestamp == 0 {
			loc.Timestamp = time.Now().UnixMilli()
		}
		return loc, nil
	})
}

// validCoordinate reports whether lat and lng are within WGS84 bounds. NaN is
// never valid.
func validCoordinate(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

func (s *Server) getFlow(c *gin.Context) {
	flow, ok := s.deps.Controller.Flow(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "flow not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "flow": flow})
}

type confirmRequest struct {
	AccountID string `json:"accountId" binding:"required"`
}

func (s *Server) confirm(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "accountId is required"})
		return
	}
	kit, err := s.deps.Controller.Confirm(c.Request.Context(), c.Param("id"), req.AccountID)
	if err != nil {
		s.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "kit": kit})
}

func (s *Server) cancel(c *gin.Context) {
	if err := s.deps.Controller.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err, nil)
		return
	}
	flow, _ := s.deps.Controller.Flow(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"ok": true, "flow": flow})
}

func (s *Server) nearby(c *gin.Context) {
	lat, latErr := strconv.ParseFloat(c.Query("lat"), 64)
	lng, lngErr := strconv.ParseFloat(c.Query("lng"), 64)
	if latErr != nil || lngErr != nil || !validCoordinate(lat, lng) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "lat and lng must be valid coordinates"})
		return
	}

	radius := s.opts.RadiusKm
	if raw := c.Query("radiusKm"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < minNearbyRadiusKm || v > maxNearbyRadiusKm {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": fmt.Sprintf("radiusKm must be between %d and %d", minNearbyRadiusKm, maxNearbyRadiusKm)})
			return
		}
		radius = v
	}
	limit := s.opts.MaxResults
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > directory.MaxLimit {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": fmt.Sprintf("limit must be between 1 and %d", directory.MaxLimit)})
			return
		}
		limit = v
	}

	origin := models.Coordinate{Latitude: lat, Longitude: lng}
	accounts := s.deps.Matcher.FindNearestAccounts(c.Request.Context(), origin, radius, limit)
	c.JSON(http.StatusOK, gin.H{
		"ok":       true,
		"accounts": accounts,
		"source":   s.deps.Matcher.Status().Source,
	})
}

func (s *Server) accountsStatus(c *gin.Context) {
	res := gin.H{"ok": true, "accounts": s.deps.Matcher.Status()}
	if s.deps.Auth != nil {
		res["auth"] = s.deps.Auth.Status()
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) writeError(c *gin.Context, err error, body any) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, controller.ErrFlowNotFound), errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, controller.ErrStaleFlow),
		errors.Is(err, controller.ErrDuplicateScan),
		errors.Is(err, controller.ErrLookupPending),
		errors.Is(err, session.ErrAlreadyConfirmed):
		status = http.StatusConflict
	case errors.Is(err, controller.ErrLocationUnavailable):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, controller.ErrEmptyCode), errors.Is(err, controller.ErrUnknownAccount):
		status = http.StatusBadRequest
	case errors.Is(err, controller.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	res := gin.H{"ok": false, "error": err.Error()}
	if f, ok := body.(controller.Flow); ok && f.ID != "" {
		res["flow"] = f
	}
	c.JSON(status, res)
}
