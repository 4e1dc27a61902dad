package sandbox

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"
)

// DOM is the parsed module document. It is only touched from the context's
// loop goroutine.
type DOM struct {
	doc *goquery.Document
}

// script is one inline script of the document, in document order
type script struct {
	name   string
	source string
	module bool
}

// ParseDOM parses a compiled module document
func ParseDOM(document string) (*DOM, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(document))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return &DOM{doc: doc}, nil
}

// Scripts returns the executable inline scripts. Data blocks and import
// maps are skipped, as are scripts with a src attribute.
func (d *DOM) Scripts() []script {
	var out []script
	d.doc.Find("script").Each(func(i int, s *goquery.Selection) {
		if _, external := s.Attr("src"); external {
			return
		}
		typ := strings.ToLower(strings.TrimSpace(s.AttrOr("type", "")))
		switch typ {
		case "", "text/javascript", "application/javascript", "module":
		default:
			return
		}
		out = append(out, script{
			name:   fmt.Sprintf("script-%d.js", i),
			source: s.Text(),
			module: typ == "module",
		})
	})
	return out
}

// RootHTML returns the inner HTML of #module-root
func (d *DOM) RootHTML() string {
	html, _ := d.doc.Find("#module-root").Html()
	return html
}

// Title returns the document title
func (d *DOM) Title() string {
	return strings.TrimSpace(d.doc.Find("title").First().Text())
}

// bind installs the document object into vm
func (d *DOM) bind(vm *goja.Runtime) error {
	document := vm.NewObject()
	_ = document.Set("getElementById", func(id string) goja.Value {
		return d.element(vm, d.doc.Find("[id]").FilterFunction(func(_ int, s *goquery.Selection) bool {
			return s.AttrOr("id", "") == id
		}))
	})
	_ = document.Set("querySelector", func(selector string) goja.Value {
		sel, err := d.find(selector)
		if err != nil {
			panic(vm.NewTypeError(err.Error()))
		}
		return d.element(vm, sel)
	})
	_ = document.Set("querySelectorAll", func(selector string) goja.Value {
		sel, err := d.find(selector)
		if err != nil {
			panic(vm.NewTypeError(err.Error()))
		}
		var items []interface{}
		sel.Each(func(_ int, s *goquery.Selection) {
			items = append(items, d.element(vm, s))
		})
		return vm.NewArray(items...)
	})
	_ = document.DefineAccessorProperty("title",
		vm.ToValue(func() string { return d.Title() }),
		nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	return vm.Set("document", document)
}

// find runs a CSS selector, turning cascadia's compile panics into errors
func (d *DOM) find(selector string) (sel *goquery.Selection, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid selector %q", selector)
		}
	}()
	return d.doc.Find(selector), nil
}

// element creates a proxy for the first node of sel
func (d *DOM) element(vm *goja.Runtime, sel *goquery.Selection) goja.Value {
	if sel.Length() == 0 {
		return goja.Null()
	}
	node := sel.First()
	obj := vm.NewObject()
	_ = obj.Set("nodeType", 1)
	_ = obj.Set("tagName", strings.ToUpper(goquery.NodeName(node)))
	_ = obj.Set("id", node.AttrOr("id", ""))
	_ = obj.Set("getAttribute", func(name string) goja.Value {
		v, ok := node.Attr(name)
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(v)
	})
	_ = obj.Set("setAttribute", func(name, value string) {
		node.SetAttr(name, value)
	})
	_ = obj.Set("removeAttribute", func(name string) {
		node.RemoveAttr(name)
	})
	_ = obj.DefineAccessorProperty("textContent",
		vm.ToValue(func() string { return node.Text() }),
		vm.ToValue(func(s string) { node.SetText(s) }),
		goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = obj.DefineAccessorProperty("innerHTML",
		vm.ToValue(func() string {
			html, _ := node.Html()
			return html
		}),
		vm.ToValue(func(s string) { node.SetHtml(s) }),
		goja.FLAG_FALSE, goja.FLAG_TRUE)
	return obj
}
