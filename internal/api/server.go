// Package api serves the sync core's observable state over HTTP and accepts
// imperative triggers (refresh, search, thread mutations, network changes).
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/sync"
)

type networkRequest struct {
	Available *bool `json:"available" binding:"required"`
}

type refreshRequest struct {
	FolderID string `json:"folder_id" binding:"required"`
}

type searchRequest struct {
	Query string `json:"query" binding:"required"`
}

type readRequest struct {
	Read *bool `json:"read" binding:"required"`
}

type moveRequest struct {
	DestinationID string `json:"destination_id" binding:"required"`
}

// Server exposes a sync.Manager over gin.
type Server struct {
	sync  *sync.Manager
	store *store.Store
	log   logrus.FieldLogger

	// base outlives requests; fetches started by a request run under it.
	base   context.Context
	engine *gin.Engine
}

// New builds the router. Fetches triggered through the API are bound to ctx.
func New(ctx context.Context, m *sync.Manager, st *store.Store, log logrus.FieldLogger) *Server {
	s := &Server{
		sync:  m,
		store: st,
		log:   log.WithField("component", "api"),
		base:  ctx,
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests())

	r.GET("/status", s.getStatus)
	r.GET("/fetches", s.getFetches)
	r.GET("/folders", s.getFolders)
	r.GET("/threads", s.getThreads)
	r.GET("/messages", s.getMessageState)
	r.GET("/search", s.getSearch)
	r.POST("/network", s.postNetwork)
	r.POST("/folders/refresh", s.postFoldersRefresh)
	r.POST("/threads/refresh", s.postThreadsRefresh)
	r.POST("/messages/refresh", s.postMessagesRefresh)
	r.POST("/messages/next", s.postMessagesNext)

	accounts := r.Group("/accounts/:id")
	accounts.Use(s.loadAccount)
	accounts.GET("/folders", s.listFolders)
	accounts.GET("/messages", s.listMessages)
	accounts.POST("/refresh", s.postRefresh)
	accounts.POST("/search", s.postSearch)
	accounts.PUT("/threads/target", s.putThreadTarget)
	accounts.POST("/threads/:thread/read", s.postThreadRead)
	accounts.POST("/threads/:thread/move", s.postThreadMove)
	accounts.DELETE("/threads/:thread", s.deleteThread)
	accounts.PUT("/messages/target", s.putMessageTarget)
	accounts.POST("/messages/next", s.postNextPage)
	accounts.POST("/messages/:message/body", s.postBody)
	accounts.POST("/messages/:message/attachments/:attachment", s.postAttachment)

	s.engine = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("status api listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("request")
	}
}

func (s *Server) loadAccount(c *gin.Context) {
	a, err := s.store.GetAccount(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Set("account", *a)
	c.Next()
}

func account(c *gin.Context) mail.Account {
	return c.MustGet("account").(mail.Account)
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.sync.Controller.Status())
}

func (s *Server) getFetches(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"running": s.sync.RunningFetches()})
}

func (s *Server) getFolders(c *gin.Context) {
	c.JSON(http.StatusOK, s.sync.Folders.States())
}

func (s *Server) getThreads(c *gin.Context) {
	c.JSON(http.StatusOK, s.sync.Threads.State())
}

func (s *Server) getMessageState(c *gin.Context) {
	c.JSON(http.StatusOK, s.sync.Messages.State())
}

func (s *Server) getSearch(c *gin.Context) {
	c.JSON(http.StatusOK, s.sync.Search.States())
}

func (s *Server) postNetwork(c *gin.Context) {
	var req networkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.sync.Controller.SetNetworkAvailable(*req.Available)
	c.JSON(http.StatusOK, s.sync.Controller.Status())
}

func (s *Server) postFoldersRefresh(c *gin.Context) {
	s.sync.Folders.RefreshAllFolders(s.base)
	c.JSON(http.StatusAccepted, s.sync.Folders.States())
}

func (s *Server) postThreadsRefresh(c *gin.Context) {
	s.sync.Threads.RefreshThreads(s.base)
	c.JSON(http.StatusAccepted, s.sync.Threads.State())
}

func (s *Server) postMessagesRefresh(c *gin.Context) {
	s.sync.Messages.Refresh(s.base)
	c.JSON(http.StatusAccepted, s.sync.Messages.State())
}

func (s *Server) postMessagesNext(c *gin.Context) {
	s.sync.Messages.LoadNextPage(s.base)
	c.JSON(http.StatusAccepted, s.sync.Messages.State())
}

func (s *Server) listFolders(c *gin.Context) {
	folders, err := s.store.ListFolders(c.Request.Context(), account(c).ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, folders)
}

func (s *Server) listMessages(c *gin.Context) {
	folder := c.Query("folder")
	if folder == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "folder is required"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	msgs, err := s.store.ListMessages(c.Request.Context(), account(c).ID, folder, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (s *Server) postRefresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.sync.RequestRefresh(account(c).ID, req.FolderID)
	c.JSON(http.StatusAccepted, gin.H{"queued": s.sync.Controller.Pending()})
}

func (s *Server) postSearch(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.sync.RequestSearch(account(c).ID, req.Query)
	c.JSON(http.StatusAccepted, gin.H{"queued": s.sync.Controller.Pending()})
}

func (s *Server) putThreadTarget(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.sync.Threads.SetTargetFolderForThreads(s.base, account(c), req.FolderID)
	c.JSON(http.StatusAccepted, s.sync.Threads.State())
}

func (s *Server) putMessageTarget(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.sync.Messages.SetTargetFolder(s.base, account(c), req.FolderID)
	c.JSON(http.StatusAccepted, s.sync.Messages.State())
}

func (s *Server) postNextPage(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.sync.RequestNextPage(c.Request.Context(), account(c).ID, req.FolderID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": s.sync.Controller.Pending()})
}

func (s *Server) postThreadRead(c *gin.Context) {
	var req readRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.sync.Threads.MarkThreadRead(c.Request.Context(), account(c), c.Param("thread"), *req.Read)
	s.respondMutation(c, err)
}

func (s *Server) postThreadMove(c *gin.Context) {
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.sync.Threads.MoveThread(c.Request.Context(), account(c), c.Param("thread"), req.DestinationID)
	s.respondMutation(c, err)
}

func (s *Server) deleteThread(c *gin.Context) {
	err := s.sync.Threads.DeleteThread(c.Request.Context(), account(c), c.Param("thread"))
	s.respondMutation(c, err)
}

func (s *Server) respondMutation(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("thread", c.Param("thread")).Warn("thread mutation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) postBody(c *gin.Context) {
	msg, ok := s.accountMessage(c)
	if !ok {
		return
	}
	s.sync.RequestBody(msg.AccountID, msg.ID)
	c.JSON(http.StatusAccepted, gin.H{"queued": s.sync.Controller.Pending()})
}

func (s *Server) postAttachment(c *gin.Context) {
	msg, ok := s.accountMessage(c)
	if !ok {
		return
	}
	s.sync.RequestAttachment(msg.AccountID, msg.ID, c.Param("attachment"))
	c.JSON(http.StatusAccepted, gin.H{"queued": s.sync.Controller.Pending()})
}

// accountMessage loads the :message of the request's account, writing the
// error response itself when there is none.
func (s *Server) accountMessage(c *gin.Context) (*mail.Message, bool) {
	msg, err := s.store.GetMessage(c.Request.Context(), c.Param("message"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && msg.AccountID != account(c).ID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return msg, true
}
