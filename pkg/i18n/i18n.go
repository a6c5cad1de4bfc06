package i18n

import "strings"

var translations = map[string]string{
	"invalid request":                              "درخواست نامعتبر است",
	"failed to generate token":                     "خطا در تولید توکن",
	"missing authorization token":                  "توکن احراز هویت ارسال نشده است",
	"invalid token":                                "توکن نامعتبر است",
	"user not found":                               "کاربر یافت نشد",
	"unauthorized":                                 "دسترسی غیرمجاز",
	"failed to fetch messages":                     "خطا در دریافت پیام ها",
	"failed to fetch users":                        "خطا در دریافت کاربران",
	"invalid message id":                           "شناسه پیام نامعتبر است",
	"message not found":                            "پیام یافت نشد",
	"can only modify own messages":                 "فقط پیام های خودتان قابل تغییر است",
	"not a participant":                            "شما عضو این مکالمه نیستید",
	"invalid participants":                         "شرکت کنندگان نامعتبر هستند",
	"invalid conversation id":                      "شناسه مکالمه نامعتبر است",
	"cannot create conversation with yourself":     "نمی توانید با خودتان مکالمه ایجاد کنید",
	"message text or image required":               "متن یا تصویر پیام الزامی است",
	"message text unchanged":                       "متن پیام تغییری نکرده است",
	"cannot edit a deleted message":                "پیام حذف شده قابل ویرایش نیست",
	"sender required":                              "فرستنده الزامی است",
	"username required":                            "نام کاربری الزامی است",
	"user id required":                             "شناسه کاربر الزامی است",
	"failed to validate user":                      "خطا در بررسی کاربر",
	"failed to update profile":                     "خطا در به روزرسانی پروفایل",
	"failed to fetch profile":                      "خطا در دریافت پروفایل",
	"failed to save push subscription":             "خطا در ثبت اشتراک اعلان",
	"push notifications are disabled":              "اعلان ها غیرفعال هستند",
	"websocket upgrade failed":                     "خطا در برقراری اتصال وب سوکت",
	"unknown event type":                           "نوع رویداد نامعتبر است",
	"rate limiter error":                           "خطا در محدودسازی درخواست ها",
	"rate limit exceeded":                          "تعداد درخواست ها بیش از حد مجاز است",
	"internal server error":                        "خطای داخلی سرور",
	"not found":                                    "یافت نشد",
	"username must be between 3 and 32 characters": "نام کاربری باید بین ۳ تا ۳۲ کاراکتر باشد",
	"username can only contain letters, numbers, and underscores": "نام کاربری فقط می تواند شامل حروف، اعداد و زیرخط باشد",
	"password must be at least 6 characters":                      "رمز عبور باید حداقل ۶ کاراکتر باشد",
	"username already exists":                                     "این نام کاربری قبلا ثبت شده است",
	"invalid username or password":                                "نام کاربری یا رمز عبور اشتباه است",
}

var prefixTranslations = map[string]string{
	"failed to hash password:":   "خطا در پردازش رمز عبور",
	"failed to register user:":   "خطا در ثبت نام کاربر",
	"failed to query user:":      "خطا در دریافت اطلاعات کاربر",
	"failed to generate token:":  "خطا در تولید توکن",
	"failed to sign token:":      "خطا در امضای توکن",
	"failed to parse token:":     "توکن نامعتبر است",
	"unexpected signing method:": "روش امضای توکن نامعتبر است",
	"failed to update profile:":  "خطا در به روزرسانی پروفایل",
	"not a participant of":       "شما عضو این مکالمه نیستید",
}

// Translate returns the Persian text for message, or message itself
// when no translation is known.
func Translate(message string) string {
	if translated, ok := translations[message]; ok {
		return translated
	}
	for prefix, translated := range prefixTranslations {
		if strings.HasPrefix(message, prefix) {
			return translated
		}
	}
	return message
}
