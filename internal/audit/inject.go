package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// ScriptSource returns the body of a script URL.
type ScriptSource interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// inlineScript tags the body so profiled frames report the original URL.
func inlineScript(body, url string) string {
	return body + "\n//# sourceURL=" + url
}

// loaderScript adds a <script src> element as soon as the document has a root element.
func loaderScript(url string) string {
	quoted, _ := json.Marshal(url)
	return fmt.Sprintf(`(function(){
var add=function(){var s=document.createElement('script');s.src=%s;(document.head||document.documentElement).appendChild(s);};
if(document.documentElement){add();}else{document.addEventListener('readystatechange',add,{once:true});}
})();`, quoted)
}

func (b *chromeBrowser) injectionSource(ctx context.Context, url string) string {
	if b.source == nil {
		return loaderScript(url)
	}
	body, err := b.source.Fetch(ctx, url)
	if err != nil {
		b.logger.Warn("script download failed, using loader", zap.String("script_url", url), zap.Error(err))
		return loaderScript(url)
	}
	return inlineScript(body, url)
}

func injectAction(source string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := page.SetBypassCSP(true).Do(ctx); err != nil {
			return fmt.Errorf("bypass csp: %w", err)
		}
		if _, err := page.AddScriptToEvaluateOnNewDocument(source).Do(ctx); err != nil {
			return fmt.Errorf("add injected script: %w", err)
		}
		return nil
	})
}
