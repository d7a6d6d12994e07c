package progress

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/coral-mesh/traceme/internal/capture"
)

// TextChannel writes progress as plain lines, for terminal use. Status lines
// are only printed when they change.
type TextChannel struct {
	mu         sync.Mutex
	w          io.Writer
	ctx        context.Context
	lastStatus string
}

var _ Channel = (*TextChannel)(nil)

// NewTextChannel writes progress to w until ctx ends.
func NewTextChannel(ctx context.Context, w io.Writer) *TextChannel {
	return &TextChannel{w: w, ctx: ctx}
}

func (c *TextChannel) println(text string) error {
	if err := c.ctx.Err(); err != nil {
		return context.Cause(c.ctx)
	}
	_, err := fmt.Fprintln(c.w, text)
	return err
}

// Status implements capture.Reporter.
func (c *TextChannel) Status(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if text == c.lastStatus {
		return c.ctx.Err()
	}
	c.lastStatus = text
	return c.println("status: " + text)
}

// Log implements capture.Reporter.
func (c *TextChannel) Log(line capture.LogLine) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.println(line.String())
}

// Note implements capture.Reporter.
func (c *TextChannel) Note(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.println(text)
}

// Redirect prints url; terminals have nowhere to navigate.
func (c *TextChannel) Redirect(url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.println("viewer: " + url)
}

// Fail implements Channel.
func (c *TextChannel) Fail(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.println("error: " + text)
}

// Context implements Channel.
func (c *TextChannel) Context() context.Context {
	return c.ctx
}

// Close implements Channel.
func (c *TextChannel) Close() error {
	return nil
}
