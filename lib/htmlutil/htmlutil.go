package htmlutil

import (
	"bytes"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

func GetText(node *html.Node) string {
	var buffer bytes.Buffer
	getTextRecursive(node, &buffer)
	return buffer.String()
}

func getTextRecursive(node *html.Node, buffer *bytes.Buffer) {
	if node == nil {
		return
	}
	if node.Type == html.TextNode {
		buffer.WriteString(node.Data)
		return
	}
	child := node.FirstChild
	for child != nil {
		getTextRecursive(child, buffer)
		child = child.NextSibling
	}
}

var innerWhitespace = regexp.MustCompile(`\s\s+`)

func removeNonPrintable(s string) string {
	newStr := strings.Builder{}
	for _, c := range s {
		if unicode.IsPrint(c) {
			newStr.WriteRune(c)
		}
	}
	return newStr.String()
}

// CleanText returns the text of every node in the selection with
// non-printable characters removed and whitespace collapsed.
func CleanText(sel *goquery.Selection) string {
	var out []string
	for _, n := range sel.Nodes {
		text := GetText(n)
		text = strings.ReplaceAll(text, "\n", " ")
		text = removeNonPrintable(text)
		text = innerWhitespace.ReplaceAllString(text, " ")
		text = strings.Trim(text, " \t")
		if text != "" {
			out = append(out, text)
		}
	}
	return strings.Join(out, " ")
}

// CSRFToken finds the rails style anti-forgery token on a page, it prefers the
// hidden form input and falls back to the <meta name="csrf-token"> tag.
func CSRFToken(doc *goquery.Document) string {
	token := doc.Find("input[name=authenticity_token]").First().AttrOr("value", "")
	if token != "" {
		return token
	}
	return doc.Find("meta[name=csrf-token]").First().AttrOr("content", "")
}
